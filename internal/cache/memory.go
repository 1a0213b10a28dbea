package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	gateway "github.com/modelmux/modelmux/internal"
)

// entry wraps a cached response with its expiration time.
type entry struct {
	resp      *gateway.Response
	expiresAt time.Time
}

// Memory is an insertion-order LRU cache with per-entry TTL checked at read.
// Reads use Peek so they do not promote entries: eviction order is strictly
// set order, and Set on an existing key re-inserts it at the tail.
type Memory struct {
	cache      *lru.Cache[string, entry]
	maxSize    int
	defaultTTL time.Duration
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// NewMemory creates an in-memory cache with the given capacity and default TTL.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := lru.New[string, entry](maxSize)
	if err != nil {
		return nil, err
	}
	return &Memory{cache: c, maxSize: maxSize, defaultTTL: defaultTTL}, nil
}

// Get retrieves a response if present and not expired. Expired entries are
// dropped on read and counted as misses.
func (m *Memory) Get(_ context.Context, key string) (*gateway.Response, bool) {
	e, ok := m.cache.Peek(key)
	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Remove(key)
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return e.resp, true
}

// Set stores a response with per-entry TTL, evicting the oldest entry when
// over capacity unless the key already exists.
func (m *Memory) Set(_ context.Context, key string, resp *gateway.Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.cache.Add(key, entry{resp: resp, expiresAt: time.Now().Add(ttl)})
}

// Delete removes a response from the cache.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Remove(key)
}

// Clear removes all entries and returns the count dropped.
func (m *Memory) Clear(_ context.Context) int {
	n := m.cache.Len()
	m.cache.Purge()
	return n
}

// Stats returns current counters.
func (m *Memory) Stats() Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	s := Stats{
		Size:    m.cache.Len(),
		MaxSize: m.maxSize,
		TTL:     m.defaultTTL,
		TTLSecs: int64(m.defaultTTL / time.Second),
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
