// Package cache provides the cross-upstream response cache.
//
// Keys are content-addressed: two requests with the same provider scope,
// model, and prompt share an entry, which gives single-flight-equivalent
// deduplication without coordination (concurrent writers store equivalent
// values by construction of the key).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/classify"
)

// AnyProvider is the provider scope for cross-upstream lookups.
const AnyProvider = "any"

// Key returns the hex SHA-256 digest of "provider:model:prompt".
func Key(provider, model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{':'})
	h.Write([]byte(model))
	h.Write([]byte{':'})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// ScopedKey is Key with the privacy class mixed in for non-public prompts.
// A response produced for a sensitive prompt is only ever served to prompts
// of the same privacy class, so an answer from a non-secure upstream cannot
// leak into the secure-only routing path.
func ScopedKey(provider, model, prompt string, privacy classify.PrivacyLevel) string {
	if privacy == classify.PrivacyPublic {
		return Key(provider, model, prompt)
	}
	return Key(provider, model, prompt+"\x00"+string(privacy))
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size    int           `json:"size"`
	MaxSize int           `json:"maxSize"`
	TTL     time.Duration `json:"-"`
	TTLSecs int64         `json:"ttl"`
	Hits    uint64        `json:"hits"`
	Misses  uint64        `json:"misses"`
	HitRate float64       `json:"hitRate"`
}

// Cache is the interface for response caching.
type Cache interface {
	// Get retrieves a cached response by key.
	Get(ctx context.Context, key string) (*gateway.Response, bool)
	// Set stores a response. A zero ttl uses the backend default.
	Set(ctx context.Context, key string, resp *gateway.Response, ttl time.Duration)
	// Delete removes a cached response.
	Delete(ctx context.Context, key string)
	// Clear removes all entries and returns how many were dropped.
	Clear(ctx context.Context) int
	// Stats returns hit/miss counters and sizing.
	Stats() Stats
}
