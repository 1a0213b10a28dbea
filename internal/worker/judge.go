package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/shadow"
)

const (
	judgeInterval = 30 * time.Second
	judgeBatch    = 10
)

// JudgeWorker periodically drains the shadow comparison queue through the
// LLM judge and feeds verdicts into the metrics collector.
type JudgeWorker struct {
	queue     *shadow.Queue
	judge     *shadow.Judge
	collector *shadow.Collector
	interval  time.Duration
}

// NewJudgeWorker creates a JudgeWorker. interval <= 0 uses the default.
func NewJudgeWorker(q *shadow.Queue, j *shadow.Judge, c *shadow.Collector, interval time.Duration) *JudgeWorker {
	if interval <= 0 {
		interval = judgeInterval
	}
	return &JudgeWorker{queue: q, judge: j, collector: c, interval: interval}
}

// Name returns the worker identifier.
func (w *JudgeWorker) Name() string { return "judge" }

// Run judges queued comparisons on a periodic schedule, draining the
// remainder on shutdown so nothing is lost.
func (w *JudgeWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.judgeBatch(ctx)
		case <-ctx.Done():
			for w.queue.Len() > 0 {
				w.judgeBatch(ctx)
			}
			return nil
		}
	}
}

func (w *JudgeWorker) judgeBatch(ctx context.Context) {
	results := w.judge.DrainAndJudge(ctx, w.queue, judgeBatch)
	for i := range results {
		w.collector.Record(&results[i])
	}
	if len(results) > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "judged comparisons",
			slog.Int("count", len(results)),
			slog.Int("pending", w.queue.Len()),
		)
	}
}
