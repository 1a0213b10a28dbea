package cache

import (
	"context"
	"testing"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/classify"
)

func resp(text string) *gateway.Response {
	return &gateway.Response{Text: text, Provider: "mock", Model: "m"}
}

func TestKey_Deterministic(t *testing.T) {
	t.Parallel()

	a := Key("any", "default", "ping")
	b := Key("any", "default", "ping")
	if a != b {
		t.Fatalf("same inputs produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(a))
	}
	if Key("any", "default", "ping") == Key("any", "default", "pong") {
		t.Fatal("distinct prompts collided")
	}
}

func TestScopedKey_PrivacySeparation(t *testing.T) {
	t.Parallel()

	pub := ScopedKey("any", "m", "p", classify.PrivacyPublic)
	if pub != Key("any", "m", "p") {
		t.Fatal("public scope should match plain key")
	}
	sens := ScopedKey("any", "m", "p", classify.PrivacySensitive)
	if sens == pub {
		t.Fatal("sensitive scope must not collide with public")
	}
}

func TestMemory_GetSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := NewMemory(10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Get(ctx, "k"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	m.Set(ctx, "k", resp("v"), 0)
	got, ok := m.Get(ctx, "k")
	if !ok || got.Text != "v" {
		t.Fatalf("Get = %+v, %v; want v, true", got, ok)
	}

	st := m.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("stats = %d hits / %d misses, want 1/1", st.Hits, st.Misses)
	}
	if st.HitRate != 0.5 {
		t.Fatalf("hitRate = %f, want 0.5", st.HitRate)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := NewMemory(10, time.Minute)
	m.Set(ctx, "k", resp("v"), 10*time.Millisecond)

	if _, ok := m.Get(ctx, "k"); !ok {
		t.Fatal("entry expired too early")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Fatal("entry served past TTL")
	}
}

func TestMemory_CapacityOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := NewMemory(1, time.Minute)

	m.Set(ctx, "a", resp("1"), 0)
	m.Set(ctx, "b", resp("2"), 0)
	if _, ok := m.Get(ctx, "a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if got, ok := m.Get(ctx, "b"); !ok || got.Text != "2" {
		t.Fatal("newest entry missing")
	}

	// Re-setting the resident key must not evict it.
	m.Set(ctx, "b", resp("3"), 0)
	if got, ok := m.Get(ctx, "b"); !ok || got.Text != "3" {
		t.Fatal("re-set of existing key lost the entry")
	}
}

func TestMemory_InsertionOrderEviction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := NewMemory(2, time.Minute)

	m.Set(ctx, "a", resp("1"), 0)
	m.Set(ctx, "b", resp("2"), 0)

	// Reads must not promote: "a" is still oldest.
	m.Get(ctx, "a")
	m.Set(ctx, "c", resp("3"), 0)
	if _, ok := m.Get(ctx, "a"); ok {
		t.Fatal("read promoted entry; eviction order must be set order")
	}

	// Set-on-existing moves to tail: now "b" was refreshed, so "c" is oldest.
	m.Set(ctx, "b", resp("2b"), 0)
	m.Set(ctx, "d", resp("4"), 0)
	if _, ok := m.Get(ctx, "c"); ok {
		t.Fatal("refreshed key evicted instead of oldest")
	}
	if _, ok := m.Get(ctx, "b"); !ok {
		t.Fatal("refreshed key should survive")
	}
}

func TestMemory_Clear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := NewMemory(10, time.Minute)
	m.Set(ctx, "a", resp("1"), 0)
	m.Set(ctx, "b", resp("2"), 0)
	if n := m.Clear(ctx); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	if m.Stats().Size != 0 {
		t.Fatal("cache not empty after Clear")
	}
}
