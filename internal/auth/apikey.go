// Package auth implements API key authentication for the modelmux gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "mmx_" prefix.
// Two static keys from configuration are accepted alongside stored keys: the
// service key and the admin key. Stored keys are resolved through an otter
// W-TinyLFU cache for fast repeat lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore // may be nil when running without a database
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID

	staticHash string // hash of the configured service key, "" if unset
	adminHash  string // hash of the configured admin key, "" if unset
	now        func() time.Time
}

// New returns an APIKeyAuth backed by store. staticKey and adminKey come from
// configuration and may be empty.
func New(store storage.APIKeyStore, staticKey, adminKey string) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	a := &APIKeyAuth{store: store, cache: c, now: time.Now}
	if staticKey != "" {
		a.staticHash = gateway.HashKey(staticKey)
	}
	if adminKey != "" {
		a.adminHash = gateway.HashKey(adminKey)
	}
	return a, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it, and returns the caller's Identity. Only keys with the
// "mmx_" prefix are handled; all others return ErrUnauthorized.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrUnauthorized
	}

	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	// Static config keys short-circuit the store entirely.
	if a.adminHash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(a.adminHash)) == 1 {
		return &gateway.Identity{KeyID: "admin", KeyPrefix: prefixOf(raw), Admin: true}, nil
	}
	if a.staticHash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(a.staticHash)) == 1 {
		return &gateway.Identity{KeyID: "static", KeyPrefix: prefixOf(raw)}, nil
	}

	if a.store == nil {
		return nil, gateway.ErrUnauthorized
	}

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if key.Blocked {
			return nil, gateway.ErrKeyBlocked
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(a.now()) {
			a.cache.Invalidate(hash)
			return nil, gateway.ErrKeyExpired
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Re-verify the stored hash in constant time before trusting the row.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if key.Blocked {
		return nil, gateway.ErrKeyBlocked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(a.now()) {
		return nil, gateway.ErrKeyExpired
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (block, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// buildIdentity constructs an Identity from a validated API key.
func buildIdentity(key *gateway.APIKey) *gateway.Identity {
	return &gateway.Identity{
		KeyID:      key.ID,
		KeyPrefix:  key.KeyPrefix,
		TenantID:   key.TenantID,
		Admin:      key.Admin,
		RateLimit:  key.RateLimit,
		TokenLimit: key.TokenLimit,
		CostLimit:  key.CostLimit,
	}
}

func prefixOf(raw string) string {
	if len(raw) > 8 {
		return raw[:8]
	}
	return raw
}

// GenerateKey mints a new raw API key and its stored record. The raw key is
// returned exactly once; only the hash is persisted.
func GenerateKey(tenantID, name string) (string, *gateway.APIKey) {
	buf := make([]byte, 24)
	rand.Read(buf) //nolint:errcheck // crypto/rand.Read never fails on supported platforms
	raw := gateway.APIKeyPrefix + hex.EncodeToString(buf)
	return raw, &gateway.APIKey{
		ID:        uuid.NewString(),
		KeyHash:   gateway.HashKey(raw),
		KeyPrefix: prefixOf(raw),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}
