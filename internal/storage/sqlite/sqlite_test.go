package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTenant(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateTenant(context.Background(), &gateway.Tenant{
		ID:        id,
		Name:      id,
		Plan:      "free",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal("seed tenant:", err)
	}
}

func TestTenantRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedTenant(t, s, "acme")
	seedTenant(t, s, "beta")

	got, err := s.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Plan != "free" {
		t.Errorf("plan = %q, want %q", got.Plan, "free")
	}

	tenants, err := s.ListTenants(ctx, 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("list count = %d, want 2", len(tenants))
	}
	if tenants[0].ID != "acme" {
		t.Errorf("ordered by name, first = %q", tenants[0].ID)
	}

	if err := s.DeleteTenant(ctx, "beta"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetTenant(ctx, "beta"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "default")

	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	key := &gateway.APIKey{
		ID:         "key-1",
		KeyHash:    "abc123hash",
		KeyPrefix:  "mmx_abc1",
		TenantID:   "default",
		Name:       "ci key",
		RateLimit:  100,
		TokenLimit: 50000,
		CostLimit:  12.5,
		ExpiresAt:  &exp,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}

	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, "abc123hash")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.ID != key.ID {
		t.Errorf("id = %q, want %q", got.ID, key.ID)
	}
	if got.KeyPrefix != key.KeyPrefix {
		t.Errorf("prefix = %q, want %q", got.KeyPrefix, key.KeyPrefix)
	}
	if got.TenantID != key.TenantID {
		t.Errorf("tenant = %q, want %q", got.TenantID, key.TenantID)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, exp)
	}
	if got.CostLimit != 12.5 {
		t.Errorf("cost_limit = %v, want 12.5", got.CostLimit)
	}

	keys, err := s.ListKeys(ctx, "default", 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}

	key.Blocked = true
	if err := s.UpdateKey(ctx, key); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetKeyByHash(ctx, "abc123hash")
	if !got.Blocked {
		t.Error("blocked should be true after update")
	}

	if err := s.TouchKeyUsed(ctx, "key-1"); err != nil {
		t.Fatal("touch:", err)
	}
	got, _ = s.GetKeyByHash(ctx, "abc123hash")
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set after touch")
	}

	if err := s.DeleteKey(ctx, "key-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKeyByHash(ctx, "abc123hash"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestDeleteTenantCascadesKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "doomed")

	key := &gateway.APIKey{
		ID:        "key-c",
		KeyHash:   "cascadehash",
		KeyPrefix: "mmx_casc",
		TenantID:  "doomed",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create key:", err)
	}

	if err := s.DeleteTenant(ctx, "doomed"); err != nil {
		t.Fatal("delete tenant:", err)
	}
	if _, err := s.GetKeyByHash(ctx, "cascadehash"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("key should cascade on tenant delete, err = %v", err)
	}
}

func TestWebhookRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "default")

	w := &gateway.Webhook{
		ID:        "wh-1",
		TenantID:  "default",
		URL:       "https://example.com/hook",
		Events:    []string{"budget.warning", "budget.exceeded"},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateWebhook(ctx, w); err != nil {
		t.Fatal("create:", err)
	}

	hooks, err := s.ListWebhooks(ctx, "default")
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(hooks) != 1 {
		t.Fatalf("list count = %d, want 1", len(hooks))
	}
	if len(hooks[0].Events) != 2 || hooks[0].Events[1] != "budget.exceeded" {
		t.Errorf("events = %v", hooks[0].Events)
	}

	if err := s.DeleteWebhook(ctx, "wh-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if err := s.DeleteWebhook(ctx, "wh-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestUsageBatchInsertAndSum(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []gateway.UsageRecord{
		{ID: "u1", KeyID: "key-1", TenantID: "default", Model: "llama3", Provider: "ollama",
			PromptTokens: 10, CompletionTokens: 20, CostUSD: 0.5, LatencyMs: 120, StatusCode: 200,
			RequestID: "r1", CreatedAt: now},
		{ID: "u2", KeyID: "key-1", TenantID: "default", Model: "llama3", Provider: "ollama",
			PromptTokens: 5, CompletionTokens: 8, CostUSD: 0.25, Cached: true, StatusCode: 200,
			RequestID: "r2", CreatedAt: now},
		{ID: "u3", KeyID: "key-2", TenantID: "default", Model: "gpt-4o", Provider: "openai",
			PromptTokens: 7, CompletionTokens: 9, CostUSD: 1.0, StatusCode: 200,
			RequestID: "r3", CreatedAt: now},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal("insert:", err)
	}

	total, err := s.SumUsageCost(ctx, "key-1")
	if err != nil {
		t.Fatal("sum:", err)
	}
	if total != 0.75 {
		t.Errorf("sum = %v, want 0.75", total)
	}

	// Empty batch is a no-op
	if err := s.InsertUsage(ctx, nil); err != nil {
		t.Errorf("empty insert err = %v", err)
	}

	none, err := s.SumUsageCost(ctx, "missing")
	if err != nil {
		t.Fatal("sum missing:", err)
	}
	if none != 0 {
		t.Errorf("sum missing = %v, want 0", none)
	}
}
