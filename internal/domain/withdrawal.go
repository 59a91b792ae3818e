/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit, which avoids floating-point inaccuracies with financial data.
 * - The withdrawal transaction id doubles as the idempotency reference sent to
 *   the payout provider: one id per withdrawal attempt, reused across retries.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Plan tiers a merchant can be on. The tier drives the withdrawal fee.
const (
	PlanStarter      = "starter"
	PlanProfessional = "professional"
	PlanBusiness     = "business"
)

// Payout methods supported for withdrawals.
const (
	PayoutMethodMobile = "mobile"
	PayoutMethodBank   = "bank"
)

// Withdrawal transaction statuses. A withdrawal is created `pending` the
// instant funds are reserved, and only ever transitions to `completed` or
// `failed`. A `pending` withdrawal with an aged created timestamp is picked
// up by the reconciler.
const (
	WithdrawalStatusPending   = "pending"
	WithdrawalStatusCompleted = "completed"
	WithdrawalStatusFailed    = "failed"
)

// MerchantAccount is the settlement-service view of a merchant. The balance
// is only ever mutated inside ledger transactions under a row lock and must
// never go negative.
type MerchantAccount struct {
	ID                uuid.UUID `json:"id"`
	BusinessName      string    `json:"business_name"`
	Balance           int64     `json:"balance"`
	Currency          string    `json:"currency"`
	PlanTier          string    `json:"plan_tier"`
	PayoutMethod      string    `json:"payout_method"`
	PayoutDestination string    `json:"payout_destination"`
	PayoutAccountName string    `json:"payout_account_name"`
	CountryCode       string    `json:"country_code"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WithdrawalTransaction is the ledger record for one withdrawal attempt.
// TotalDebited (= Amount + Fee) is immutable once the row exists; only
// Status, ProviderReference, FailureReason, RawProviderStatus and
// CompletedAt transition afterwards.
type WithdrawalTransaction struct {
	ID                uuid.UUID  `json:"id"`
	MerchantID        uuid.UUID  `json:"merchant_id"`
	Amount            int64      `json:"amount"`
	Fee               int64      `json:"fee"`
	TotalDebited      int64      `json:"total_debited"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	ProviderReference *string    `json:"provider_reference,omitempty"`
	ProviderName      string     `json:"provider_name"`
	Environment       string     `json:"environment"`
	PayoutMethod      string     `json:"payout_method"`
	PayoutDestination string     `json:"payout_destination"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	RawProviderStatus *string    `json:"raw_provider_status,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// PayoutSnapshot captures the merchant payout details at reservation time so
// the withdrawal record stays meaningful even if the merchant later changes
// their payout configuration.
type PayoutSnapshot struct {
	Currency          string
	ProviderName      string
	Environment       string
	PayoutMethod      string
	PayoutDestination string
}

// WithdrawalRequest is the DTO for incoming withdrawal API requests. Currency,
// payout method and destination are always derived from the merchant account,
// never from caller input.
type WithdrawalRequest struct {
	MerchantID uuid.UUID `json:"merchant_id"`
	Amount     int64     `json:"amount"`
}

// WithdrawalReceipt is returned to the caller once a withdrawal has been
// accepted and settled (or left pending for reconciliation).
type WithdrawalReceipt struct {
	TransactionID     uuid.UUID `json:"transaction_id"`
	ProviderReference *string   `json:"provider_reference,omitempty"`
	Amount            int64     `json:"amount"`
	Fee               int64     `json:"fee"`
	TotalDebited      int64     `json:"total_debited"`
	Status            string    `json:"status"`
}

// ReconcileResult summarizes one reconciliation pass over aged pending
// withdrawals.
type ReconcileResult struct {
	Processed  int `json:"processed"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	StillOpen  int `json:"still_open"`
	LookupErrs int `json:"lookup_errors"`
}
