/**
 * @description
 * Reconciliation of aged pending withdrawals. A withdrawal stays `pending`
 * whenever the synchronous flow could not learn the provider's final answer
 * (poll failure, still processing, process crash between submit and poll).
 * The reconciler periodically re-queries the provider by the withdrawal's own
 * idempotency reference and applies the terminal transition the synchronous
 * flow would have applied.
 *
 * A reference the provider has never seen is proof the transfer was never
 * submitted, so the reservation is refunded. An unreachable provider leaves
 * the withdrawal pending for the next pass; reconciliation never guesses.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/veltapay/settlement-service/internal/domain"
	"github.com/veltapay/settlement-service/pkg/momo"
)

// ReconcilePendingWithdrawals settles up to limit pending withdrawals older
// than minAge. It returns a summary of the pass; per-transaction lookup
// failures are counted, logged and skipped rather than aborting the batch.
func (s *Service) ReconcilePendingWithdrawals(ctx context.Context, minAge time.Duration, limit int) (domain.ReconcileResult, error) {
	var result domain.ReconcileResult

	cutoff := time.Now().UTC().Add(-minAge)
	candidates, err := s.repo.ListReconciliationCandidates(ctx, cutoff, limit)
	if err != nil {
		return result, fmt.Errorf("failed to list reconciliation candidates: %w", err)
	}
	if len(candidates) == 0 {
		return result, nil
	}
	log.Printf("level=info component=reconciler msg=\"reconciliation pass started\" candidates=%d cutoff=%s", len(candidates), cutoff.Format(time.RFC3339))

	// Provider configs and sessions are shared across the batch; most
	// candidates hit the same provider.
	configs := map[string]*domain.ProviderConfig{}
	sessions := map[string]*domain.ProviderSession{}

	for i := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		tx := &candidates[i]
		result.Processed++

		pcfg, err := s.reconcileConfig(ctx, tx, configs)
		if err != nil {
			result.LookupErrs++
			log.Printf("level=warn component=reconciler msg=\"provider config unresolved; skipped\" transaction_id=%s provider=%s err=%v", tx.ID, tx.ProviderName, err)
			continue
		}

		session, ok := sessions[configKey(pcfg)]
		if !ok {
			session, err = s.session(ctx, pcfg)
			if err != nil {
				result.LookupErrs++
				log.Printf("level=warn component=reconciler msg=\"token exchange failed; skipped\" transaction_id=%s provider=%s err=%v", tx.ID, pcfg.ProviderName, err)
				continue
			}
			sessions[configKey(pcfg)] = session
		}

		status, err := s.provider.TransferStatus(ctx, session, pcfg, tx.ID.String())
		if err != nil {
			if errors.Is(err, momo.ErrTransferNotFound) {
				// The provider never saw this reference, so no money moved on
				// their side and the reservation is safe to release.
				s.refundAndFail(ctx, tx, "transfer never reached provider", nil)
				result.Failed++
				continue
			}
			result.LookupErrs++
			log.Printf("level=warn component=reconciler msg=\"status query failed; left pending\" transaction_id=%s err=%v", tx.ID, err)
			continue
		}

		switch status.Status {
		case momo.StatusSuccessful:
			s.complete(ctx, tx, status)
			result.Completed++
		case momo.StatusFailed:
			s.refundAndFail(ctx, tx, failureReasonFrom(status), &status.RawBody)
			result.Failed++
		default:
			result.StillOpen++
		}
	}

	log.Printf("level=info component=reconciler msg=\"reconciliation pass finished\" processed=%d completed=%d failed=%d still_open=%d lookup_errors=%d",
		result.Processed, result.Completed, result.Failed, result.StillOpen, result.LookupErrs)
	return result, nil
}

// reconcileConfig resolves the provider config for a candidate, using the
// merchant's country code. The withdrawal row pins the provider name and
// environment at reservation time.
func (s *Service) reconcileConfig(ctx context.Context, tx *domain.WithdrawalTransaction, cache map[string]*domain.ProviderConfig) (*domain.ProviderConfig, error) {
	merchant, err := s.repo.FindMerchantByID(ctx, tx.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to find merchant: %w", err)
	}

	key := tx.ProviderName + "|" + merchant.CountryCode + "|" + tx.Environment
	if pcfg, ok := cache[key]; ok {
		return pcfg, nil
	}

	pcfg, err := s.repo.GetActiveProviderConfig(ctx, tx.ProviderName, merchant.CountryCode, tx.Environment)
	if err != nil {
		return nil, err
	}
	cache[key] = pcfg
	return pcfg, nil
}

func configKey(pcfg *domain.ProviderConfig) string {
	return pcfg.ProviderName + "|" + pcfg.CountryCode + "|" + pcfg.Environment
}
