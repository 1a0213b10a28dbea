package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/ratelimit"
)

// BudgetResetWorker clears all budget counters at every period boundary.
type BudgetResetWorker struct {
	budget *ratelimit.BudgetManager
}

// NewBudgetResetWorker creates a BudgetResetWorker.
func NewBudgetResetWorker(b *ratelimit.BudgetManager) *BudgetResetWorker {
	return &BudgetResetWorker{budget: b}
}

// Name returns the worker identifier.
func (w *BudgetResetWorker) Name() string { return "budget_reset" }

// Run sleeps until the next period boundary, resets, and repeats.
func (w *BudgetResetWorker) Run(ctx context.Context) error {
	for {
		next := w.budget.NextBoundary()
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			w.budget.ResetAll()
			slog.Info("budget counters reset", "boundary", next.Format(time.RFC3339))
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}
