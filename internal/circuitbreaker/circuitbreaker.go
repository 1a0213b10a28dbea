// Package circuitbreaker implements a per-upstream circuit breaker with a
// sliding-window error rate detector. It short-circuits requests to
// known-bad upstreams, reducing failover latency from seconds (timeout +
// network) to nanoseconds (state check).
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	ErrorThresholdPct float64       // failure percentage to trip (e.g. 50)
	VolumeThreshold   int           // minimum requests in window before tripping
	RollingWindow     time.Duration // sliding window duration
	ResetTimeout      time.Duration // time in OPEN before transitioning to HALF_OPEN
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThresholdPct: 50,
		VolumeThreshold:   10,
		RollingWindow:     time.Minute,
		ResetTimeout:      30 * time.Second,
	}
}

// StateChange is emitted on every transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Counts is a snapshot of the rolling window. All four counters age out
// together as the window slides.
type Counts struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Timeouts  int `json:"timeouts"`
	Rejects   int `json:"rejects"`
}

// bucket holds outcome counts for a 1-second slot.
type bucket struct {
	successes int
	failures  int
	timeouts  int
	rejects   int
}

// window is a fixed-size ring of 1-second buckets.
type window struct {
	buckets  [120]bucket
	size     int
	head     int
	headTime int64 // unix seconds of head bucket
}

func newWindow(d time.Duration) window {
	secs := int(d / time.Second)
	if secs <= 0 || secs > 120 {
		secs = 60
	}
	return window{size: secs}
}

// advance moves the head forward to the current second, clearing stale buckets.
func (w *window) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	clear := min(int(gap), w.size)
	for i := range clear {
		idx := (w.head + 1 + i) % w.size
		w.buckets[idx] = bucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

func (w *window) record(now time.Time, success, timeout bool) {
	w.advance(now.Unix())
	b := &w.buckets[w.head]
	switch {
	case success:
		b.successes++
	case timeout:
		b.timeouts++
	default:
		b.failures++
	}
}

func (w *window) recordReject(now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].rejects++
}

// tally returns total requests and total failures (timeouts included).
// Rejects never reached the upstream and do not count toward the error rate.
func (w *window) tally(now time.Time) (total, failed int) {
	w.advance(now.Unix())
	for i := range w.size {
		b := &w.buckets[i]
		total += b.successes + b.failures + b.timeouts
		failed += b.failures + b.timeouts
	}
	return total, failed
}

func (w *window) counts(now time.Time) Counts {
	w.advance(now.Unix())
	var c Counts
	for i := range w.size {
		b := &w.buckets[i]
		c.Successes += b.successes
		c.Failures += b.failures
		c.Timeouts += b.timeouts
		c.Rejects += b.rejects
	}
	return c
}

func (w *window) reset() {
	for i := range w.size {
		w.buckets[i] = bucket{}
	}
	w.head = 0
	w.headTime = 0
}

// Breaker is a per-upstream circuit breaker state machine.
type Breaker struct {
	mu       sync.Mutex
	name     string
	cfg      Config
	state    State
	win      window
	openedAt time.Time
	probing  bool
	changes  chan StateChange
}

// NewBreaker creates a breaker for the named upstream.
func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.RollingWindow <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		win:     newWindow(cfg.RollingWindow),
		changes: make(chan StateChange, 16),
	}
}

// StateChanges returns the transition event stream. Sends never block.
func (b *Breaker) StateChanges() <-chan StateChange { return b.changes }

// transition moves to a new state and emits an event. Caller holds b.mu.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	b.state = to
	select {
	case b.changes <- StateChange{Name: b.name, From: from, To: to, At: now}:
	default:
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

// stateLocked advances open -> halfOpen when the reset timeout has elapsed.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.probing = false
		b.transition(StateHalfOpen, now)
	}
	return b.state
}

// allow reports whether a request may proceed, reserving the half-open probe.
func (b *Breaker) allow(now time.Time) bool {
	switch b.stateLocked(now) {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// record applies a call outcome to the window and drives transitions.
func (b *Breaker) record(now time.Time, success, timeout bool) {
	b.win.record(now, success, timeout)

	switch b.state {
	case StateClosed:
		if !success {
			total, failed := b.win.tally(now)
			if total >= b.cfg.VolumeThreshold &&
				float64(failed)/float64(total)*100 >= b.cfg.ErrorThresholdPct {
				b.openedAt = now
				b.transition(StateOpen, now)
			}
		}
	case StateHalfOpen:
		b.probing = false
		if success {
			b.win.reset()
			b.transition(StateClosed, now)
		} else {
			b.openedAt = now
			b.transition(StateOpen, now)
		}
	}
}

// Execute runs fn under the breaker. When the circuit is open the call is
// rejected immediately with ErrCircuitOpen and counted as a reject. Context
// deadline errors from fn count as timeouts.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	now := time.Now()
	b.mu.Lock()
	if !b.allow(now) {
		b.win.recordReject(now)
		b.mu.Unlock()
		return gateway.ErrCircuitOpen
	}
	b.mu.Unlock()

	err := fn(ctx)
	timeout := errors.Is(err, context.DeadlineExceeded)

	b.mu.Lock()
	b.record(time.Now(), err == nil, timeout)
	b.mu.Unlock()
	return err
}

// Counts returns the rolling window snapshot including rejects.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.win.counts(time.Now())
}
