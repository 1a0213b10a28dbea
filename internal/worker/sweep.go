package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/ratelimit"
)

const sweepInterval = 60 * time.Second

// SweepWorker evicts idle rate-limiter entries so the per-key table does not
// grow without bound.
type SweepWorker struct {
	limiter  *ratelimit.Limiter
	interval time.Duration
}

// NewSweepWorker creates a SweepWorker. interval <= 0 uses the default.
func NewSweepWorker(l *ratelimit.Limiter, interval time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = sweepInterval
	}
	return &SweepWorker{limiter: l, interval: interval}
}

// Name returns the worker identifier.
func (w *SweepWorker) Name() string { return "limiter_sweep" }

// Run sweeps expired entries until ctx is cancelled.
func (w *SweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := w.limiter.Sweep(time.Now()); n > 0 {
				slog.Debug("rate limiter swept", "evicted", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
