package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/shadow"
)

// OptimizerWorker runs the weight optimizer on its update interval.
type OptimizerWorker struct {
	opt      *shadow.Optimizer
	interval time.Duration
}

// NewOptimizerWorker creates an OptimizerWorker stepping every interval.
func NewOptimizerWorker(opt *shadow.Optimizer, interval time.Duration) *OptimizerWorker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &OptimizerWorker{opt: opt, interval: interval}
}

// Name returns the worker identifier.
func (w *OptimizerWorker) Name() string { return "optimizer" }

// Run steps the optimizer until ctx is cancelled.
func (w *OptimizerWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if updated, weights := w.opt.Step(); updated {
				slog.Info("routing weights updated", "weights", weights)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
