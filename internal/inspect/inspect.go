// Package inspect implements the trace inspector: a fixed-capacity ring of
// trace events with fan-out to live subscribers. Used for debugging request
// flow without external tooling.
package inspect

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one trace record: a pipeline stage observed for a request.
type Event struct {
	RequestID string         `json:"request_id"`
	Stage     string         `json:"stage"` // "route", "upstream", "cache", "shadow", ...
	Detail    string         `json:"detail,omitempty"`
	Error     bool           `json:"error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

// Inspector keeps the last capacity events and fans new ones out to
// subscribers. Slow subscribers lose events rather than block the pipeline.
type Inspector struct {
	mu   sync.Mutex
	ring []Event
	head int
	size int
	subs map[string]chan Event
}

// New creates an inspector retaining capacity events.
func New(capacity int) *Inspector {
	if capacity <= 0 {
		capacity = 256
	}
	return &Inspector{
		ring: make([]Event, capacity),
		subs: make(map[string]chan Event),
	}
}

// Record appends an event to the ring and notifies subscribers.
func (i *Inspector) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	i.mu.Lock()
	i.ring[i.head] = ev
	i.head = (i.head + 1) % len(i.ring)
	if i.size < len(i.ring) {
		i.size++
	}
	for _, ch := range i.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	i.mu.Unlock()
}

// Recent returns up to n most recent events, newest first.
func (i *Inspector) Recent(n int) []Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n <= 0 || n > i.size {
		n = i.size
	}
	out := make([]Event, n)
	for k := range n {
		idx := (i.head - 1 - k + len(i.ring)) % len(i.ring)
		out[k] = i.ring[idx]
	}
	return out
}

// Subscribe registers a live event feed. The returned cancel func must be
// called to release the subscription.
func (i *Inspector) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	ch := make(chan Event, buffer)

	i.mu.Lock()
	i.subs[id] = ch
	i.mu.Unlock()

	cancel := func() {
		i.mu.Lock()
		if _, ok := i.subs[id]; ok {
			delete(i.subs, id)
			close(ch)
		}
		i.mu.Unlock()
	}
	return ch, cancel
}
