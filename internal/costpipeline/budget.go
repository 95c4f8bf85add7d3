package costpipeline

import (
	"context"
	"errors"

	"github.com/vectorgate/gateway/internal/apikey"
	"github.com/vectorgate/gateway/internal/store"
)

// BudgetAdapter adapts the teacher's apikey.BudgetChecker (a concrete
// cache-then-store lookup over a store.APIKeyRecord) to the
// pipeline's BudgetService port, which speaks in terms of a bare
// apiKeyID and a projected cost rather than a full record.
type BudgetAdapter struct {
	checker *apikey.BudgetChecker
	store   store.Store
}

// NewBudgetAdapter wraps a BudgetChecker for use as a Pipeline's
// BudgetService.
func NewBudgetAdapter(checker *apikey.BudgetChecker, s store.Store) *BudgetAdapter {
	return &BudgetAdapter{checker: checker, store: s}
}

// CheckBudget loads the key record, then asks the BudgetChecker
// whether its current (already-spent) total leaves room for the
// projected cost. The gateway's admission check is slightly more
// conservative than BudgetChecker.CheckBudget alone: it rejects when
// spent+projected would cross the limit, not just when spent already
// has.
func (a *BudgetAdapter) CheckBudget(ctx context.Context, apiKeyID string, projectedCostUSD float64) error {
	rec, err := a.store.GetAPIKey(ctx, apiKeyID)
	if err != nil {
		return err
	}
	if rec == nil || rec.MonthlyBudgetUSD <= 0 {
		return nil
	}
	if err := a.checker.CheckBudget(ctx, rec); err != nil {
		var exceeded *apikey.BudgetExceededError
		if errors.As(err, &exceeded) {
			return &BudgetExceededError{BudgetUSD: exceeded.BudgetUSD, SpentUSD: exceeded.SpentUSD}
		}
		return err
	}
	spent, err := a.store.GetMonthlySpend(ctx, apiKeyID)
	if err != nil {
		return err
	}
	if spent+projectedCostUSD > rec.MonthlyBudgetUSD {
		return &BudgetExceededError{BudgetUSD: rec.MonthlyBudgetUSD, SpentUSD: spent}
	}
	return nil
}
