/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates a merchant withdrawal end to end: fee
 * computation, atomic ledger reservation, provider token exchange, idempotent
 * disbursement submission, status polling and the compensating refund when a
 * withdrawal cannot complete.
 *
 * Key invariants:
 * - The provider is only ever contacted after funds are reserved in the ledger.
 * - Every terminal state leaves the ledger and the provider's view consistent:
 *   either both reflect money moved, or both reflect money returned. Only the
 *   `pending` state tolerates transient inconsistency, and it is bounded by
 *   the reconciler.
 * - The withdrawal transaction id is the idempotency reference, so a retry of
 *   the same attempt can never double-pay.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/momo, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/veltapay/settlement-service/internal/domain"
	"github.com/veltapay/settlement-service/internal/store"
	"github.com/veltapay/settlement-service/pkg/momo"
	"github.com/veltapay/settlement-service/pkg/rabbitmq"
)

var (
	// ErrInvalidAmount rejects non-positive withdrawal amounts before any
	// state is created.
	ErrInvalidAmount = errors.New("withdrawal amount must be positive")
	// ErrDestinationNotConfigured means the merchant has no payout
	// destination on file; the caller must configure one first.
	ErrDestinationNotConfigured = errors.New("payout destination not configured")
	// ErrUnsupportedPayoutMethod means the merchant's payout method maps to
	// no known provider.
	ErrUnsupportedPayoutMethod = errors.New("unsupported payout method")
	// ErrProviderAuth means the provider rejected our credentials. The
	// withdrawal was refunded; only an operator can fix the configuration.
	ErrProviderAuth = errors.New("provider authentication failed")
	// ErrProviderUnavailable means the provider could not be reached within
	// the retry budget. The withdrawal was refunded or left pending.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected means the provider explicitly refused the transfer.
	// The withdrawal was refunded.
	ErrProviderRejected = errors.New("provider rejected transfer")
)

// Config carries the orchestration settings for the service.
type Config struct {
	// Environment selects which provider_configs rows apply (sandbox or
	// production).
	Environment string
	// MobileMoneyProvider / BankTransferProvider name the provider used for
	// each payout method.
	MobileMoneyProvider  string
	BankTransferProvider string
	// StatusPollDelay is how long to wait after an accepted submission before
	// the single synchronous status poll.
	StatusPollDelay time.Duration
	// TokenRetries / SubmitRetries bound additional attempts after the first
	// call fails with a retryable provider error.
	TokenRetries  int
	SubmitRetries int
	// RetryBackoff is the base delay between retries, doubled per attempt.
	RetryBackoff time.Duration
	// EventsExchange is the topic exchange withdrawal lifecycle events are
	// published to.
	EventsExchange string
}

// Service provides the core business logic for withdrawals.
type Service struct {
	repo     store.Repository
	provider *momo.Client
	events   rabbitmq.Publisher
	sessions SessionCache
	fees     FeeTable
	cfg      Config
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, provider *momo.Client, events rabbitmq.Publisher, fees FeeTable, cfg Config) *Service {
	if fees == nil {
		fees = DefaultFeeTable()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Service{
		repo:     repo,
		provider: provider,
		events:   events,
		fees:     fees,
		cfg:      cfg,
	}
}

// SetSessionCache attaches an optional provider session cache.
func (s *Service) SetSessionCache(cache SessionCache) {
	s.sessions = cache
}

// Withdraw executes one withdrawal for a merchant. Currency, payout method and
// destination are derived from the merchant account, never from caller input.
// On terminal provider failures the returned transaction reflects the refunded
// `failed` state alongside the classification error.
func (s *Service) Withdraw(ctx context.Context, merchantID uuid.UUID, amount int64) (*domain.WithdrawalTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// 1. Validate against the merchant account before creating any state.
	merchant, err := s.repo.FindMerchantByID(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to find merchant: %w", err)
	}
	if merchant.PayoutDestination == "" {
		return nil, ErrDestinationNotConfigured
	}
	providerName, err := s.providerFor(merchant.PayoutMethod)
	if err != nil {
		return nil, err
	}

	fee, err := s.fees.Fee(merchant.PlanTier, amount)
	if err != nil {
		return nil, err
	}

	// 2. Reserve funds. This is the single point where money leaves the
	// ledger, and it happens strictly before any external call. On
	// insufficient funds the provider is never contacted.
	tx, err := s.repo.ReserveAndDebit(ctx, merchantID, amount, fee, domain.PayoutSnapshot{
		Currency:          merchant.Currency,
		ProviderName:      providerName,
		Environment:       s.cfg.Environment,
		PayoutMethod:      merchant.PayoutMethod,
		PayoutDestination: merchant.PayoutDestination,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=withdrawal msg=\"funds reserved\" transaction_id=%s merchant_id=%s amount=%d fee=%d", tx.ID, merchantID, amount, fee)
	s.notify(ctx, domain.EventWithdrawalInitiated, tx, "")

	// 3. Resolve provider configuration. A missing configuration after the
	// reserve means refund-and-fail, not a stuck reservation.
	pcfg, err := s.repo.GetActiveProviderConfig(ctx, providerName, merchant.CountryCode, s.cfg.Environment)
	if err != nil {
		s.refundAndFail(ctx, tx, "no active provider configuration", nil)
		if errors.Is(err, store.ErrProviderNotConfigured) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to resolve provider config: %w", err)
	}

	// 4. Token exchange with bounded retries on transient failures.
	session, err := s.session(ctx, pcfg)
	if err != nil {
		var authErr *momo.AuthError
		if errors.As(err, &authErr) && !authErr.Retryable() {
			// Wrong credentials are an operator problem; the withdrawal
			// itself fails and refunds because nothing was submitted.
			log.Printf("level=error component=service flow=withdrawal msg=\"provider credentials rejected; operator attention required\" transaction_id=%s provider=%s env=%s status=%d", tx.ID, pcfg.ProviderName, pcfg.Environment, authErr.StatusCode)
			s.refundAndFail(ctx, tx, "provider credentials rejected", nil)
			return tx, ErrProviderAuth
		}
		s.refundAndFail(ctx, tx, "provider unavailable during token exchange", nil)
		return tx, ErrProviderUnavailable
	}

	// 5. Submit the disbursement using the transaction's own id as the
	// idempotency reference, so a crash-and-retry resubmits the same transfer
	// instead of double-paying.
	if err := s.submitWithRetry(ctx, session, pcfg, tx); err != nil {
		var rejection *momo.RejectionError
		switch {
		case errors.As(err, &rejection) && rejection.Reason == momo.ReasonProviderUnavailable:
			return s.settleUnknownSubmission(ctx, session, pcfg, tx)
		case errors.As(err, &rejection):
			reason := fmt.Sprintf("provider rejected transfer: %s", rejection.Reason)
			s.refundAndFail(ctx, tx, reason, nil)
			return tx, ErrProviderRejected
		default:
			s.refundAndFail(ctx, tx, "transfer submission failed", nil)
			return tx, fmt.Errorf("transfer submission failed: %w", err)
		}
	}
	log.Printf("level=info component=service flow=withdrawal msg=\"transfer accepted\" transaction_id=%s provider=%s", tx.ID, pcfg.ProviderName)

	// 6. Wait briefly, then poll once. Most providers process disbursements
	// asynchronously; an outcome that is still pending stays pending and is
	// picked up by the reconciler.
	if err := sleepCtx(ctx, s.cfg.StatusPollDelay); err != nil {
		return tx, nil
	}
	return s.applyPolledStatus(ctx, session, pcfg, tx)
}

// GetWithdrawal returns a single withdrawal transaction.
func (s *Service) GetWithdrawal(ctx context.Context, transactionID uuid.UUID) (*domain.WithdrawalTransaction, error) {
	return s.repo.FindWithdrawalByID(ctx, transactionID)
}

// ListWithdrawals returns a merchant's withdrawal history.
func (s *Service) ListWithdrawals(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]domain.WithdrawalTransaction, error) {
	return s.repo.ListWithdrawalsByMerchant(ctx, merchantID, limit, offset)
}

func (s *Service) providerFor(payoutMethod string) (string, error) {
	switch payoutMethod {
	case domain.PayoutMethodMobile:
		return s.cfg.MobileMoneyProvider, nil
	case domain.PayoutMethodBank:
		return s.cfg.BankTransferProvider, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPayoutMethod, payoutMethod)
	}
}

// session returns a valid provider session, from the cache when possible,
// otherwise via a token exchange retried on transient failures.
func (s *Service) session(ctx context.Context, pcfg *domain.ProviderConfig) (*domain.ProviderSession, error) {
	if s.sessions != nil {
		if cached, ok := s.sessions.Get(ctx, pcfg.ProviderName, pcfg.Environment); ok {
			return cached, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.TokenRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.cfg.RetryBackoff<<(attempt-1)); err != nil {
				return nil, lastErr
			}
		}
		session, err := s.provider.Token(ctx, pcfg)
		if err == nil {
			if s.sessions != nil {
				s.sessions.Put(ctx, pcfg.ProviderName, pcfg.Environment, session)
			}
			return session, nil
		}
		lastErr = err

		var authErr *momo.AuthError
		if errors.As(err, &authErr) && !authErr.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

// submitWithRetry submits the transfer, retrying only transient failures.
// Every attempt carries the same idempotency reference, so the provider
// recognizes retries as the same transfer. A duplicate-reference response
// counts as success: the transfer was already accepted.
func (s *Service) submitWithRetry(ctx context.Context, session *domain.ProviderSession, pcfg *domain.ProviderConfig, tx *domain.WithdrawalTransaction) error {
	transfer := momo.TransferRequest{
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		ReferenceID:    tx.ID.String(),
		PayeePartyType: partyTypeFor(tx.PayoutMethod),
		PayeePartyID:   tx.PayoutDestination,
		PayerMessage:   fmt.Sprintf("Withdrawal %s", tx.ID),
		PayeeNote:      "Merchant balance withdrawal",
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.cfg.RetryBackoff<<(attempt-1)); err != nil {
				return lastErr
			}
		}
		err := s.provider.SubmitTransfer(ctx, session, pcfg, transfer)
		if err == nil {
			return nil
		}

		var rejection *momo.RejectionError
		if errors.As(err, &rejection) {
			if rejection.Reason == momo.ReasonDuplicateReference {
				log.Printf("level=info component=service flow=withdrawal msg=\"duplicate reference treated as accepted\" transaction_id=%s", tx.ID)
				return nil
			}
			if !rejection.Retryable() {
				return err
			}
		}
		lastErr = err
	}
	return lastErr
}

// settleUnknownSubmission handles the case where every submission attempt
// failed with a transient error: the transfer may or may not have reached the
// provider. The idempotency reference is authoritative, so a status query
// resolves the ambiguity; if even that fails, the withdrawal stays pending for
// the reconciler rather than being guessed into a terminal state.
func (s *Service) settleUnknownSubmission(ctx context.Context, session *domain.ProviderSession, pcfg *domain.ProviderConfig, tx *domain.WithdrawalTransaction) (*domain.WithdrawalTransaction, error) {
	status, err := s.provider.TransferStatus(ctx, session, pcfg, tx.ID.String())
	if err != nil {
		if errors.Is(err, momo.ErrTransferNotFound) {
			// The provider never saw the reference: no transfer exists, the
			// reservation is safe to release.
			s.refundAndFail(ctx, tx, "provider unavailable; transfer never reached provider", nil)
			return tx, ErrProviderUnavailable
		}
		log.Printf("level=warn component=service flow=withdrawal msg=\"submission outcome unknown; left pending for reconciliation\" transaction_id=%s err=%v", tx.ID, err)
		return tx, nil
	}

	switch status.Status {
	case momo.StatusSuccessful:
		s.complete(ctx, tx, status)
		return tx, nil
	case momo.StatusFailed:
		s.refundAndFail(ctx, tx, failureReasonFrom(status), &status.RawBody)
		return tx, ErrProviderRejected
	default:
		return tx, nil
	}
}

// applyPolledStatus performs the single post-submission status poll and the
// corresponding terminal transition. Pending is not an error; the withdrawal
// simply stays open for reconciliation.
func (s *Service) applyPolledStatus(ctx context.Context, session *domain.ProviderSession, pcfg *domain.ProviderConfig, tx *domain.WithdrawalTransaction) (*domain.WithdrawalTransaction, error) {
	status, err := s.provider.TransferStatus(ctx, session, pcfg, tx.ID.String())
	if err != nil {
		log.Printf("level=warn component=service flow=withdrawal msg=\"status poll failed; left pending for reconciliation\" transaction_id=%s err=%v", tx.ID, err)
		return tx, nil
	}

	switch status.Status {
	case momo.StatusSuccessful:
		s.complete(ctx, tx, status)
		return tx, nil
	case momo.StatusFailed:
		s.refundAndFail(ctx, tx, failureReasonFrom(status), &status.RawBody)
		return tx, ErrProviderRejected
	default:
		log.Printf("level=info component=service flow=withdrawal msg=\"transfer still processing; left pending for reconciliation\" transaction_id=%s", tx.ID)
		return tx, nil
	}
}

// complete applies the idempotent completed transition and mutates the local
// copy to match.
func (s *Service) complete(ctx context.Context, tx *domain.WithdrawalTransaction, status *momo.TransferStatusResponse) {
	if err := s.repo.MarkCompleted(ctx, tx.ID, status.FinancialTransactionID, &status.RawBody); err != nil {
		log.Printf("level=error component=service flow=withdrawal msg=\"failed to persist completed state; reconciler will settle\" transaction_id=%s err=%v", tx.ID, err)
		return
	}
	tx.Status = domain.WithdrawalStatusCompleted
	if status.FinancialTransactionID != "" {
		ref := status.FinancialTransactionID
		tx.ProviderReference = &ref
	}
	now := time.Now().UTC()
	tx.CompletedAt = &now
	log.Printf("level=info component=service flow=withdrawal msg=\"withdrawal completed\" transaction_id=%s provider_reference=%s", tx.ID, status.FinancialTransactionID)
	s.notify(ctx, domain.EventWithdrawalCompleted, tx, "")
}

// refundAndFail applies the compensating transition: the withdrawal fails and
// the full debited amount returns to the merchant balance. The underlying
// store operation is idempotent, so racing with the reconciler cannot refund
// twice.
func (s *Service) refundAndFail(ctx context.Context, tx *domain.WithdrawalTransaction, reason string, rawStatus *string) {
	if err := s.repo.MarkFailedAndRefund(ctx, tx.ID, reason, rawStatus); err != nil {
		log.Printf("level=error component=service flow=withdrawal msg=\"CRITICAL: failed to refund withdrawal; manual intervention required\" transaction_id=%s merchant_id=%s amount=%d err=%v", tx.ID, tx.MerchantID, tx.TotalDebited, err)
		return
	}
	tx.Status = domain.WithdrawalStatusFailed
	tx.FailureReason = &reason
	log.Printf("level=info component=service flow=withdrawal msg=\"withdrawal failed and refunded\" transaction_id=%s reason=%q", tx.ID, reason)
	s.notify(ctx, domain.EventWithdrawalFailed, tx, reason)
}

// notify dispatches a best-effort lifecycle event. Publish failures are logged
// and swallowed; they never roll back into the financial state.
func (s *Service) notify(ctx context.Context, kind string, tx *domain.WithdrawalTransaction, reason string) {
	if s.events == nil {
		return
	}

	event := domain.WithdrawalEvent{
		Kind:                  kind,
		MerchantID:            tx.MerchantID.String(),
		TransactionID:         tx.ID.String(),
		Amount:                tx.Amount,
		Fee:                   tx.Fee,
		Currency:              tx.Currency,
		Reference:             tx.ID.String(),
		DestinationDescriptor: fmt.Sprintf("%s:%s", tx.PayoutMethod, tx.PayoutDestination),
		Reason:                reason,
		Timestamp:             time.Now().UTC(),
	}

	routingKey := "withdrawal." + kindSuffix(kind)
	if err := s.events.Publish(ctx, s.cfg.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service flow=withdrawal msg=\"notification publish failed\" transaction_id=%s kind=%s err=%v", tx.ID, kind, err)
	}
}

func kindSuffix(kind string) string {
	switch kind {
	case domain.EventWithdrawalInitiated:
		return "initiated"
	case domain.EventWithdrawalCompleted:
		return "completed"
	default:
		return "failed"
	}
}

func partyTypeFor(payoutMethod string) string {
	if payoutMethod == domain.PayoutMethodBank {
		return momo.PartyIDTypeBank
	}
	return momo.PartyIDTypeMSISDN
}

func failureReasonFrom(status *momo.TransferStatusResponse) string {
	if status.ReasonCode == "" && status.ReasonMessage == "" {
		return "provider reported transfer failed"
	}
	return fmt.Sprintf("provider reported transfer failed: %s %s", status.ReasonCode, status.ReasonMessage)
}

// sleepCtx waits for the duration or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
