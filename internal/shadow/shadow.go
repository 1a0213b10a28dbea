// Package shadow implements the online A/B evaluation loop: a sampler that
// duplicates a fraction of traffic to alternate upstreams, an LLM judge that
// scores response pairs, a metrics collector over the verdicts, and a weight
// optimizer that feeds the results back into routing.
package shadow

import (
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/classify"
)

// Leg is one side of a shadow comparison.
type Leg struct {
	Provider   string `json:"provider"`
	Response   string `json:"response"`
	DurationMs int64  `json:"duration_ms"`
}

// Comparison pairs a primary response with one shadow response to the same
// prompt. Invariant: the two providers differ and both responses are
// non-empty.
type Comparison struct {
	RequestID string            `json:"request_id"`
	Prompt    string            `json:"prompt"`
	Primary   Leg               `json:"primary"`
	Shadow    Leg               `json:"shadow"`
	TaskType  classify.TaskType `json:"task_type"`
	Timestamp time.Time         `json:"timestamp"`
}

// Scores are the per-criterion judge scores for one response, each in [0,10].
type Scores struct {
	Correctness  float64 `json:"correctness"`
	Relevance    float64 `json:"relevance"`
	Clarity      float64 `json:"clarity"`
	Completeness float64 `json:"completeness"`
	Conciseness  float64 `json:"conciseness"`
	Total        float64 `json:"total"`
}

// Sum returns the total across the five criteria.
func (s *Scores) Sum() float64 {
	return s.Correctness + s.Relevance + s.Clarity + s.Completeness + s.Conciseness
}

// Winner values of a judge verdict.
const (
	WinnerA     = "A"
	WinnerB     = "B"
	WinnerTie   = "TIE"
	WinnerError = "ERROR"
)

// Verdict is the judge's decision for one comparison. A is always the
// primary response, B the shadow.
type Verdict struct {
	Winner    string `json:"winner"`
	A         Scores `json:"a"`
	B         Scores `json:"b"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Result is a judged comparison, consumed by the metrics collector.
type Result struct {
	Comparison Comparison `json:"comparison"`
	Verdict    Verdict    `json:"verdict"`
}

// Queue is a bounded FIFO of pending comparisons. On overflow the oldest
// entry is dropped.
type Queue struct {
	mu      sync.Mutex
	items   []Comparison
	max     int
	dropped uint64
}

// NewQueue creates a queue holding at most max comparisons.
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = 100
	}
	return &Queue{max: max}
}

// Push enqueues a comparison, dropping the oldest on overflow. Reports
// whether an old entry was dropped.
func (q *Queue) Push(c Comparison) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, c)
	return dropped
}

// Drain removes and returns up to limit comparisons in FIFO order.
// limit <= 0 drains everything.
func (q *Queue) Drain(limit int) []Comparison {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Comparison, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}

// Len returns the number of pending comparisons.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of comparisons lost to overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
