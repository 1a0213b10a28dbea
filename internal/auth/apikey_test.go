package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

type fakeKeyStore struct {
	keys    map[string]*gateway.APIKey // by hash
	lookups atomic.Int64
	touched atomic.Int64
}

func (f *fakeKeyStore) CreateKey(context.Context, *gateway.APIKey) error { return nil }

func (f *fakeKeyStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	f.lookups.Add(1)
	if k, ok := f.keys[hash]; ok {
		return k, nil
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeKeyStore) ListKeys(context.Context, string, int, int) ([]*gateway.APIKey, error) {
	return nil, nil
}
func (f *fakeKeyStore) UpdateKey(context.Context, *gateway.APIKey) error { return nil }
func (f *fakeKeyStore) DeleteKey(context.Context, string) error          { return nil }

func (f *fakeKeyStore) TouchKeyUsed(context.Context, string) error {
	f.touched.Add(1)
	return nil
}

func reqWithKey(key string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return r
}

func storedKey(raw string, mutate func(*gateway.APIKey)) *fakeKeyStore {
	k := &gateway.APIKey{
		ID:        "key-1",
		KeyHash:   gateway.HashKey(raw),
		KeyPrefix: raw[:8],
		TenantID:  "acme",
		RateLimit: 42,
		CreatedAt: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(k)
	}
	return &fakeKeyStore{keys: map[string]*gateway.APIKey{k.KeyHash: k}}
}

func TestAuthenticate_StoredKey(t *testing.T) {
	t.Parallel()

	const raw = "mmx_storedkey123"
	store := storedKey(raw, nil)
	a, err := New(store, "", "")
	if err != nil {
		t.Fatal(err)
	}

	id, err := a.Authenticate(context.Background(), reqWithKey(raw))
	if err != nil {
		t.Fatal(err)
	}
	if id.KeyID != "key-1" || id.TenantID != "acme" || id.RateLimit != 42 {
		t.Errorf("identity = %+v", id)
	}
	if id.Admin {
		t.Error("plain key should not be admin")
	}
}

func TestAuthenticate_CachesSecondLookup(t *testing.T) {
	t.Parallel()

	const raw = "mmx_cachedkey456"
	store := storedKey(raw, nil)
	a, err := New(store, "", "")
	if err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if _, err := a.Authenticate(context.Background(), reqWithKey(raw)); err != nil {
			t.Fatal(err)
		}
	}
	if n := store.lookups.Load(); n != 1 {
		t.Errorf("store lookups = %d, want 1", n)
	}
}

func TestAuthenticate_StaticAndAdminKeys(t *testing.T) {
	t.Parallel()

	a, err := New(nil, "mmx_service_key", "mmx_admin_key")
	if err != nil {
		t.Fatal(err)
	}

	id, err := a.Authenticate(context.Background(), reqWithKey("mmx_service_key"))
	if err != nil {
		t.Fatal(err)
	}
	if id.Admin {
		t.Error("service key should not be admin")
	}

	id, err = a.Authenticate(context.Background(), reqWithKey("mmx_admin_key"))
	if err != nil {
		t.Fatal(err)
	}
	if !id.Admin {
		t.Error("admin key should be admin")
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	t.Parallel()

	const raw = "mmx_rejectkey789"
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name  string
		store *fakeKeyStore
		key   string
		want  error
	}{
		{"missing header", storedKey(raw, nil), "", gateway.ErrUnauthorized},
		{"wrong prefix", storedKey(raw, nil), "sk-openai-style", gateway.ErrUnauthorized},
		{"unknown key", storedKey(raw, nil), "mmx_never_issued", gateway.ErrUnauthorized},
		{"blocked", storedKey(raw, func(k *gateway.APIKey) { k.Blocked = true }), raw, gateway.ErrKeyBlocked},
		{"expired", storedKey(raw, func(k *gateway.APIKey) { k.ExpiresAt = &past }), raw, gateway.ErrKeyExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := New(tt.store, "", "")
			if err != nil {
				t.Fatal(err)
			}
			_, err = a.Authenticate(context.Background(), reqWithKey(tt.key))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAuthenticate_ExpiryCheckedOnCacheHit(t *testing.T) {
	t.Parallel()

	const raw = "mmx_expiringkey"
	exp := time.Now().Add(time.Hour)
	store := storedKey(raw, func(k *gateway.APIKey) { k.ExpiresAt = &exp })
	a, err := New(store, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Authenticate(context.Background(), reqWithKey(raw)); err != nil {
		t.Fatal("first auth:", err)
	}

	// Advance past expiry; the cached entry must be rejected and invalidated.
	a.now = func() time.Time { return exp.Add(time.Minute) }
	if _, err := a.Authenticate(context.Background(), reqWithKey(raw)); !errors.Is(err, gateway.ErrKeyExpired) {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}
}

func TestInvalidateByKeyID(t *testing.T) {
	t.Parallel()

	const raw = "mmx_invalidated1"
	store := storedKey(raw, nil)
	a, err := New(store, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Authenticate(context.Background(), reqWithKey(raw)); err != nil {
		t.Fatal(err)
	}
	a.InvalidateByKeyID("key-1")
	if _, err := a.Authenticate(context.Background(), reqWithKey(raw)); err != nil {
		t.Fatal(err)
	}
	if n := store.lookups.Load(); n != 2 {
		t.Errorf("store lookups = %d, want 2 after invalidation", n)
	}
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()

	raw, key := GenerateKey("acme", "ci")
	if len(raw) != len(gateway.APIKeyPrefix)+48 {
		t.Errorf("raw key length = %d", len(raw))
	}
	if key.KeyHash != gateway.HashKey(raw) {
		t.Error("stored hash does not match raw key")
	}
	if key.KeyPrefix != raw[:8] {
		t.Errorf("prefix = %q", key.KeyPrefix)
	}
	if key.TenantID != "acme" || key.Name != "ci" {
		t.Errorf("key = %+v", key)
	}

	raw2, _ := GenerateKey("acme", "ci")
	if raw == raw2 {
		t.Error("generated keys must be unique")
	}
}
