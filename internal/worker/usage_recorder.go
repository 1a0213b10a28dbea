package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/telemetry"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
}

// UsageRecorder decouples request handling from usage persistence. Handlers
// enqueue records without blocking; a background loop batches them into the
// store. When the queue is full new records are dropped rather than slowing
// the request path down.
type UsageRecorder struct {
	ch      chan gateway.UsageRecord
	store   UsageStore
	metrics *telemetry.Metrics // may be nil
	pending []gateway.UsageRecord
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore, metrics *telemetry.Metrics) *UsageRecorder {
	return &UsageRecorder{
		ch:      make(chan gateway.UsageRecord, usageChanSize),
		store:   store,
		metrics: metrics,
		pending: make([]gateway.UsageRecord, 0, usageBatchSize),
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record without blocking.
func (u *UsageRecorder) Record(r gateway.UsageRecord) {
	select {
	case u.ch <- r:
		u.observeQueue()
	default:
		slog.Warn("usage record dropped, channel full")
	}
}

// Run batches records until ctx is cancelled, then drains what is left.
// Only accessed from the Run goroutine once started: pending is not locked.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case r := <-u.ch:
			u.accumulate(ctx, r)
		case <-ticker.C:
			u.flush(ctx)
		case <-ctx.Done():
			u.drain()
			return nil
		}
	}
}

// accumulate appends a record and flushes once a full batch is collected.
func (u *UsageRecorder) accumulate(ctx context.Context, r gateway.UsageRecord) {
	u.pending = append(u.pending, r)
	if len(u.pending) >= usageBatchSize {
		u.flush(ctx)
	}
}

// drain empties the channel after cancellation, bounded by usageDrainTime.
func (u *UsageRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			u.accumulate(ctx, r)
		default:
			u.flush(ctx)
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context) {
	if len(u.pending) == 0 {
		return
	}

	batch := make([]gateway.UsageRecord, len(u.pending))
	copy(batch, u.pending)
	u.pending = u.pending[:0]

	// IDs are assigned here rather than on the request path.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	u.observeQueue()
}

func (u *UsageRecorder) observeQueue() {
	if u.metrics != nil {
		u.metrics.UsageQueueLength.Set(float64(len(u.ch)))
	}
}
