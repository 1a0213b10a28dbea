package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/modelmux/modelmux/internal"
)

// Remote is a redis-backed cache. Responses are stored as JSON with a
// per-entry TTL in seconds. When redis is unreachable the cache degrades to
// the local in-memory backend and logs a single warning.
type Remote struct {
	client     *redis.Client
	fallback   *Memory
	prefix     string
	defaultTTL time.Duration
	hits       atomic.Uint64
	misses     atomic.Uint64
	warnOnce   sync.Once
	degraded   atomic.Bool
}

// NewRemote creates a redis cache from a redis:// URL. The fallback memory
// cache takes over on backend failure.
func NewRemote(redisURL string, maxSize int, defaultTTL time.Duration) (*Remote, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	mem, err := NewMemory(maxSize, defaultTTL)
	if err != nil {
		return nil, err
	}
	return &Remote{
		client:     redis.NewClient(opts),
		fallback:   mem,
		prefix:     "modelmux:resp:",
		defaultTTL: defaultTTL,
	}, nil
}

// degrade records a backend failure, logging the warning only once.
func (r *Remote) degrade(err error) {
	r.degraded.Store(true)
	r.warnOnce.Do(func() {
		slog.Warn("remote cache unavailable, degrading to in-memory", "error", err)
	})
}

// Get retrieves a response from redis, falling back to memory on failure.
func (r *Remote) Get(ctx context.Context, key string) (*gateway.Response, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		r.misses.Add(1)
		return nil, false
	}
	if err != nil {
		r.degrade(err)
		return r.fallback.Get(ctx, key)
	}
	var resp gateway.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return &resp, true
}

// Set stores a response in redis with TTL, falling back to memory on failure.
func (r *Remote) Set(ctx context.Context, key string, resp *gateway.Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		r.degrade(err)
		r.fallback.Set(ctx, key, resp, ttl)
	}
}

// Delete removes a response from both backends.
func (r *Remote) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.degrade(err)
	}
	r.fallback.Delete(ctx, key)
}

// Clear removes all gateway entries and returns the count dropped.
func (r *Remote) Clear(ctx context.Context) int {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if r.client.Del(ctx, iter.Val()).Err() == nil {
			n++
		}
	}
	if err := iter.Err(); err != nil {
		r.degrade(err)
	}
	return n + r.fallback.Clear(ctx)
}

// Stats returns counters. Size reflects the fallback when degraded; redis
// key counts are not tracked per-prefix.
func (r *Remote) Stats() Stats {
	hits := r.hits.Load()
	misses := r.misses.Load()
	fs := r.fallback.Stats()
	s := Stats{
		Size:    fs.Size,
		MaxSize: fs.MaxSize,
		TTL:     r.defaultTTL,
		TTLSecs: int64(r.defaultTTL / time.Second),
		Hits:    hits + fs.Hits,
		Misses:  misses + fs.Misses,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Ping verifies redis connectivity.
func (r *Remote) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
