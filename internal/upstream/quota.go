package upstream

import (
	"sync"
	"time"
)

// QuotaState tracks whether an upstream is currently usable. A quota error
// (rate limit, exhausted allowance) puts the upstream into cooldown; it
// becomes available again once the cooldown elapses. The invariant is that
// Available() is true exactly when no cooldown is in progress.
type QuotaState struct {
	mu            sync.Mutex
	cooldown      time.Duration
	available     bool
	cooldownUntil time.Time
	lastError     string
	requestCount  int64
	lastReset     time.Time

	now func() time.Time // test hook
}

// NewQuotaState creates an available quota state with the given cooldown.
// A zero cooldown means quota errors are recorded but never take the
// upstream out of rotation.
func NewQuotaState(cooldown time.Duration) *QuotaState {
	return &QuotaState{
		cooldown:  cooldown,
		available: true,
		lastReset: time.Now().UTC(),
		now:       time.Now,
	}
}

// Available reports whether the upstream may be dispatched to, clearing an
// expired cooldown as a side effect.
func (q *QuotaState) Available() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.available && !q.now().Before(q.cooldownUntil) {
		q.available = true
		q.cooldownUntil = time.Time{}
	}
	return q.available
}

// MarkExhausted records a quota failure and starts the cooldown.
func (q *QuotaState) MarkExhausted(errText string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastError = errText
	if q.cooldown <= 0 {
		return
	}
	q.available = false
	q.cooldownUntil = q.now().Add(q.cooldown)
}

// RecordDispatch counts one outbound request.
func (q *QuotaState) RecordDispatch() {
	q.mu.Lock()
	q.requestCount++
	q.mu.Unlock()
}

// Reset clears any cooldown and zeroes the request counter.
func (q *QuotaState) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.available = true
	q.cooldownUntil = time.Time{}
	q.lastError = ""
	q.requestCount = 0
	q.lastReset = q.now().UTC()
}

// QuotaSnapshot is the JSON view of one upstream's quota state.
type QuotaSnapshot struct {
	Available     bool       `json:"available"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	RequestCount  int64      `json:"request_count"`
	LastReset     time.Time  `json:"last_reset"`
}

// Snapshot returns a point-in-time copy for status endpoints.
func (q *QuotaState) Snapshot() QuotaSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QuotaSnapshot{
		Available:    q.available,
		LastError:    q.lastError,
		RequestCount: q.requestCount,
		LastReset:    q.lastReset,
	}
	if !q.cooldownUntil.IsZero() {
		t := q.cooldownUntil
		s.CooldownUntil = &t
	}
	return s
}
