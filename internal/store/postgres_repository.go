/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to interact with the merchant_accounts,
 * withdrawal_transactions and provider_configs tables.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veltapay/settlement-service/internal/domain"
)

var (
	ErrMerchantNotFound      = errors.New("merchant not found")
	ErrWithdrawalNotFound    = errors.New("withdrawal not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrConcurrencyConflict   = errors.New("concurrent ledger update conflict")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const merchantColumns = `id, business_name, balance, currency, plan_tier, payout_method, payout_destination, payout_account_name, country_code, created_at, updated_at`

func scanMerchant(row pgx.Row) (*domain.MerchantAccount, error) {
	var m domain.MerchantAccount
	err := row.Scan(
		&m.ID,
		&m.BusinessName,
		&m.Balance,
		&m.Currency,
		&m.PlanTier,
		&m.PayoutMethod,
		&m.PayoutDestination,
		&m.PayoutAccountName,
		&m.CountryCode,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FindMerchantByID retrieves a merchant account by its id.
func (r *PostgresRepository) FindMerchantByID(ctx context.Context, merchantID uuid.UUID) (*domain.MerchantAccount, error) {
	query := `SELECT ` + merchantColumns + ` FROM merchant_accounts WHERE id = $1`
	return scanMerchant(r.db.QueryRow(ctx, query, merchantID))
}

// ReserveAndDebit atomically checks the merchant balance, creates a `pending`
// withdrawal transaction and decrements the balance by amount+fee in a single
// database transaction. The row lock serializes concurrent withdrawal attempts
// for the same merchant, so the balance check can never race against a stale
// read. This is the only point where money leaves the internal ledger and it
// always happens before any external network call.
func (r *PostgresRepository) ReserveAndDebit(ctx context.Context, merchantID uuid.UUID, amount, fee int64, snapshot domain.PayoutSnapshot) (*domain.WithdrawalTransaction, error) {
	tx, err := r.reserveAndDebitOnce(ctx, merchantID, amount, fee, snapshot)
	if err != nil && isSerializationFailure(err) {
		// Two simultaneous attempts collided below the row lock (e.g. a
		// deadlock across accounts). Retry once with a fresh read, then
		// surface the conflict to the caller.
		tx, err = r.reserveAndDebitOnce(ctx, merchantID, amount, fee, snapshot)
		if err != nil && isSerializationFailure(err) {
			return nil, ErrConcurrencyConflict
		}
	}
	return tx, err
}

func (r *PostgresRepository) reserveAndDebitOnce(ctx context.Context, merchantID uuid.UUID, amount, fee int64, snapshot domain.PayoutSnapshot) (*domain.WithdrawalTransaction, error) {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback(ctx)

	var balance int64
	// FOR UPDATE locks the merchant row, preventing race conditions between
	// concurrent withdrawal attempts on the same account.
	err = dbtx.QueryRow(ctx, `SELECT balance FROM merchant_accounts WHERE id = $1 FOR UPDATE`, merchantID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, err
	}

	total := amount + fee
	if balance < total {
		return nil, ErrInsufficientFunds
	}

	withdrawal := &domain.WithdrawalTransaction{
		ID:                uuid.New(),
		MerchantID:        merchantID,
		Amount:            amount,
		Fee:               fee,
		TotalDebited:      total,
		Currency:          snapshot.Currency,
		Status:            domain.WithdrawalStatusPending,
		ProviderName:      snapshot.ProviderName,
		Environment:       snapshot.Environment,
		PayoutMethod:      snapshot.PayoutMethod,
		PayoutDestination: snapshot.PayoutDestination,
		CreatedAt:         time.Now().UTC(),
	}

	_, err = dbtx.Exec(ctx, `
		INSERT INTO withdrawal_transactions (
			id, merchant_id, amount, fee, total_debited, currency, status,
			provider_name, environment, payout_method, payout_destination, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		withdrawal.ID,
		withdrawal.MerchantID,
		withdrawal.Amount,
		withdrawal.Fee,
		withdrawal.TotalDebited,
		withdrawal.Currency,
		withdrawal.Status,
		withdrawal.ProviderName,
		withdrawal.Environment,
		withdrawal.PayoutMethod,
		withdrawal.PayoutDestination,
		withdrawal.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	_, err = dbtx.Exec(ctx, `UPDATE merchant_accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2`, total, merchantID)
	if err != nil {
		return nil, err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, err
	}
	return withdrawal, nil
}

// MarkCompleted transitions a pending withdrawal to `completed`. The
// status guard makes the transition idempotent: calling it twice has the same
// effect as calling it once, and it never reopens a failed withdrawal.
func (r *PostgresRepository) MarkCompleted(ctx context.Context, transactionID uuid.UUID, providerReference string, rawStatus *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE withdrawal_transactions
		SET status = $2,
		    provider_reference = COALESCE(NULLIF($3, ''), provider_reference),
		    raw_provider_status = COALESCE($4, raw_provider_status),
		    completed_at = NOW()
		WHERE id = $1 AND status = $5
	`, transactionID, domain.WithdrawalStatusCompleted, providerReference, rawStatus, domain.WithdrawalStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.ensureWithdrawalExists(ctx, transactionID)
	}
	return nil
}

// MarkFailedAndRefund transitions a pending withdrawal to `failed` and credits
// the total debited amount back to the merchant balance in the same database
// transaction. This is the compensating action of the withdrawal saga. The
// status guard makes a second call a no-op, so the refund can never be applied
// twice.
func (r *PostgresRepository) MarkFailedAndRefund(ctx context.Context, transactionID uuid.UUID, reason string, rawStatus *string) error {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	var merchantID uuid.UUID
	var totalDebited int64
	err = dbtx.QueryRow(ctx, `
		UPDATE withdrawal_transactions
		SET status = $2,
		    failure_reason = $3,
		    raw_provider_status = COALESCE($4, raw_provider_status),
		    completed_at = NOW()
		WHERE id = $1 AND status = $5
		RETURNING merchant_id, total_debited
	`, transactionID, domain.WithdrawalStatusFailed, reason, rawStatus, domain.WithdrawalStatusPending).Scan(&merchantID, &totalDebited)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already terminal, or unknown id. The former is the idempotent
			// no-op path; the latter is a caller bug worth surfacing.
			return r.ensureWithdrawalExists(ctx, transactionID)
		}
		return err
	}

	_, err = dbtx.Exec(ctx, `UPDATE merchant_accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, totalDebited, merchantID)
	if err != nil {
		return err
	}

	return dbtx.Commit(ctx)
}

func (r *PostgresRepository) ensureWithdrawalExists(ctx context.Context, transactionID uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawal_transactions WHERE id = $1)`, transactionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrWithdrawalNotFound
	}
	return nil
}

const withdrawalColumns = `id, merchant_id, amount, fee, total_debited, currency, status, provider_reference, provider_name, environment, payout_method, payout_destination, failure_reason, raw_provider_status, created_at, completed_at`

func scanWithdrawal(row pgx.Row) (*domain.WithdrawalTransaction, error) {
	var w domain.WithdrawalTransaction
	err := row.Scan(
		&w.ID,
		&w.MerchantID,
		&w.Amount,
		&w.Fee,
		&w.TotalDebited,
		&w.Currency,
		&w.Status,
		&w.ProviderReference,
		&w.ProviderName,
		&w.Environment,
		&w.PayoutMethod,
		&w.PayoutDestination,
		&w.FailureReason,
		&w.RawProviderStatus,
		&w.CreatedAt,
		&w.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

// FindWithdrawalByID retrieves a single withdrawal transaction.
func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, transactionID uuid.UUID) (*domain.WithdrawalTransaction, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_transactions WHERE id = $1`
	return scanWithdrawal(r.db.QueryRow(ctx, query, transactionID))
}

// ListWithdrawalsByMerchant returns a merchant's withdrawal history, newest first.
func (r *PostgresRepository) ListWithdrawalsByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]domain.WithdrawalTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_transactions
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, merchantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectWithdrawals(rows)
}

// ListReconciliationCandidates returns pending withdrawals created before the
// cutoff, oldest first, so the reconciler re-polls the longest-outstanding
// transfers first.
func (r *PostgresRepository) ListReconciliationCandidates(ctx context.Context, olderThan time.Time, limit int) ([]domain.WithdrawalTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, domain.WithdrawalStatusPending, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectWithdrawals(rows)
}

func collectWithdrawals(rows pgx.Rows) ([]domain.WithdrawalTransaction, error) {
	var out []domain.WithdrawalTransaction
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// GetActiveProviderConfig resolves the active provider configuration for a
// (provider, country, environment) triple. The rows are owned by the admin
// console; this service only ever reads them.
func (r *PostgresRepository) GetActiveProviderConfig(ctx context.Context, provider, countryCode, environment string) (*domain.ProviderConfig, error) {
	var cfg domain.ProviderConfig
	err := r.db.QueryRow(ctx, `
		SELECT provider_name, country_code, environment, base_url, target_environment,
		       api_user, api_key, subscription_key, currency_override, active
		FROM provider_configs
		WHERE provider_name = $1 AND country_code = $2 AND environment = $3 AND active = TRUE
		LIMIT 1
	`, provider, countryCode, environment).Scan(
		&cfg.ProviderName,
		&cfg.CountryCode,
		&cfg.Environment,
		&cfg.BaseURL,
		&cfg.TargetEnvironment,
		&cfg.APIUser,
		&cfg.APIKey,
		&cfg.SubscriptionKey,
		&cfg.CurrencyOverride,
		&cfg.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotConfigured
		}
		return nil, err
	}
	return &cfg, nil
}

// isSerializationFailure reports whether the error is a transient transaction
// conflict (serialization failure or deadlock) that is safe to retry.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
