/**
 * @description
 * Withdrawal fee policy. The fee is a percentage of the requested amount
 * determined by the merchant's plan tier. The table is configuration, not
 * business logic baked into the orchestrator, so operators can adjust
 * percentages without a deploy of new code paths.
 */

package app

import (
	"errors"
	"fmt"

	"github.com/veltapay/settlement-service/internal/domain"
)

// ErrUnknownPlanTier is returned when a merchant carries a plan tier the fee
// table does not know. An unknown tier is a configuration error and must be
// surfaced, never silently priced at some default.
var ErrUnknownPlanTier = errors.New("unknown plan tier")

// FeeTable maps a plan tier to its withdrawal fee in basis points
// (1 bp = 0.01%).
type FeeTable map[string]int64

// DefaultFeeTable returns the standard tier pricing: business 1%,
// professional 2%, starter 5%.
func DefaultFeeTable() FeeTable {
	return FeeTable{
		domain.PlanBusiness:     100,
		domain.PlanProfessional: 200,
		domain.PlanStarter:      500,
	}
}

// Fee computes the withdrawal fee for the given plan tier and amount in minor
// units. It is pure: deterministic, no I/O, always non-negative, rounding
// half-up at the minor-unit boundary.
func (t FeeTable) Fee(planTier string, amount int64) (int64, error) {
	bp, ok := t[planTier]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlanTier, planTier)
	}
	if amount <= 0 || bp <= 0 {
		return 0, nil
	}
	return (amount*bp + 5000) / 10000, nil
}
