/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the settlement-service. By defining an
 * interface, we decouple the withdrawal orchestration logic from the specific
 * database implementation (PostgreSQL), making the code easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/veltapay/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// The ledger methods carry the consistency guarantees the orchestrator relies
// on: ReserveAndDebit is the only point where money leaves a merchant balance,
// and MarkFailedAndRefund is the compensating action that puts it back. Both
// are atomic, and the terminal transitions are idempotent.
type Repository interface {
	// Merchant methods
	FindMerchantByID(ctx context.Context, merchantID uuid.UUID) (*domain.MerchantAccount, error)

	// Ledger methods
	ReserveAndDebit(ctx context.Context, merchantID uuid.UUID, amount, fee int64, snapshot domain.PayoutSnapshot) (*domain.WithdrawalTransaction, error)
	MarkCompleted(ctx context.Context, transactionID uuid.UUID, providerReference string, rawStatus *string) error
	MarkFailedAndRefund(ctx context.Context, transactionID uuid.UUID, reason string, rawStatus *string) error

	// Withdrawal lookup methods
	FindWithdrawalByID(ctx context.Context, transactionID uuid.UUID) (*domain.WithdrawalTransaction, error)
	ListWithdrawalsByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]domain.WithdrawalTransaction, error)
	ListReconciliationCandidates(ctx context.Context, olderThan time.Time, limit int) ([]domain.WithdrawalTransaction, error)

	// Provider configuration resolver (read-only; rows are owned by the admin console)
	GetActiveProviderConfig(ctx context.Context, provider, countryCode, environment string) (*domain.ProviderConfig, error)
}
