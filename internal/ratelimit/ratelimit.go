// Package ratelimit implements per-key request limiting and token budgets.
//
// The limiter is a bucketed sliding window: each key's requests are counted
// in buckets of `precision` width covering `window`, so the enforced rate
// has sub-window accuracy without storing per-request timestamps.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// entry holds the bucketed counters for one key.
type entry struct {
	buckets     map[int64]int64 // bucket id -> count
	total       int64
	lastUpdated time.Time
}

// Limiter is a sliding-window rate limiter over string keys.
type Limiter struct {
	mu           sync.Mutex
	window       time.Duration
	precision    time.Duration
	defaultLimit int64
	custom       map[string]int64 // per-key limit overrides
	entries      map[string]*entry
}

// NewLimiter creates a limiter with the given window, bucket precision, and
// default per-key limit.
func NewLimiter(window, precision time.Duration, defaultLimit int64) *Limiter {
	if precision <= 0 || precision > window {
		precision = window / 60
	}
	if precision <= 0 {
		precision = time.Millisecond
	}
	return &Limiter{
		window:       window,
		precision:    precision,
		defaultLimit: defaultLimit,
		custom:       make(map[string]int64),
		entries:      make(map[string]*entry),
	}
}

// SetLimit overrides the limit for a single key. A limit of 0 removes the
// override.
func (l *Limiter) SetLimit(key string, limit int64) {
	l.mu.Lock()
	if limit <= 0 {
		delete(l.custom, key)
	} else {
		l.custom[key] = limit
	}
	l.mu.Unlock()
}

func (l *Limiter) limitFor(key string) int64 {
	if lim, ok := l.custom[key]; ok {
		return lim
	}
	return l.defaultLimit
}

func (l *Limiter) bucketID(now time.Time) int64 {
	return now.UnixNano() / int64(l.precision)
}

// prune drops buckets older than now-window and fixes the running total.
func (l *Limiter) prune(e *entry, now time.Time) {
	oldest := l.bucketID(now.Add(-l.window))
	for id, n := range e.buckets {
		if id <= oldest {
			e.total -= n
			delete(e.buckets, id)
		}
	}
}

// resetAt returns when the oldest live bucket leaves the window.
func (l *Limiter) resetAt(e *entry, now time.Time) time.Time {
	if len(e.buckets) == 0 {
		return now
	}
	var minID int64 = -1
	for id := range e.buckets {
		if minID < 0 || id < minID {
			minID = id
		}
	}
	return time.Unix(0, minID*int64(l.precision)).Add(l.window)
}

// Increment counts weight requests against key. When the new total would
// exceed the key's limit the request is denied and the counter is unchanged.
func (l *Limiter) Increment(key string, weight int64) Result {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{buckets: make(map[int64]int64)}
		l.entries[key] = e
	}
	l.prune(e, now)
	e.lastUpdated = now

	limit := l.limitFor(key)
	if e.total+weight > limit {
		return Result{
			Allowed:   false,
			Limit:     limit,
			Remaining: max(0, limit-e.total),
			ResetAt:   l.resetAt(e, now),
		}
	}

	e.buckets[l.bucketID(now)] += weight
	e.total += weight
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - e.total,
		ResetAt:   l.resetAt(e, now),
	}
}

// Check reports the key's current state without consuming anything.
func (l *Limiter) Check(key string) Result {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(key)
	e, ok := l.entries[key]
	if !ok {
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now}
	}

	// Count live buckets without mutating the entry.
	oldest := l.bucketID(now.Add(-l.window))
	var total int64
	for id, n := range e.buckets {
		if id > oldest {
			total += n
		}
	}
	return Result{
		Allowed:   total < limit,
		Limit:     limit,
		Remaining: max(0, limit-total),
		ResetAt:   l.resetAt(e, now),
	}
}

// Reset clears all counters for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Window returns the limiter's window size.
func (l *Limiter) Window() time.Duration { return l.window }

// Sweep drops entries idle for more than twice the window and returns how
// many were removed. It is called periodically by a background worker.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-2 * l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.entries {
		if e.lastUpdated.Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}
