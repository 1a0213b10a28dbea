package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/auth"
)

// requireStore writes a 503 and returns false when persistence is disabled.
func (s *server) requireStore(w http.ResponseWriter) bool {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("persistence disabled"))
		return false
	}
	return true
}

// --- API keys ---

type keyCreateRequest struct {
	Name       string  `json:"name"`
	TenantID   string  `json:"tenant_id"`
	Admin      bool    `json:"admin"`
	RateLimit  int64   `json:"rate_limit,omitempty"`
	TokenLimit int64   `json:"token_limit,omitempty"`
	CostLimit  float64 `json:"cost_limit,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
}

// keyCreateResponse carries the raw key exactly once; it is never retrievable
// again.
type keyCreateResponse struct {
	Key    string          `json:"key"`
	Record *gateway.APIKey `json:"record"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	offset, limit := parsePagination(r)
	keys, err := s.deps.Store.ListKeys(r.Context(), r.URL.Query().Get("tenant_id"), offset, limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": keys})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = "default"
	}

	raw, key := auth.GenerateKey(req.TenantID, req.Name)
	key.Admin = req.Admin
	key.RateLimit = req.RateLimit
	key.TokenLimit = req.TokenLimit
	key.CostLimit = req.CostLimit
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at format, use RFC3339"))
			return
		}
		key.ExpiresAt = &t
	}

	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyCreateResponse{Key: raw, Record: key})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if inv, ok := s.deps.Auth.(interface{ InvalidateByKeyID(string) }); ok {
		inv.InvalidateByKeyID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tenants ---

func (s *server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	offset, limit := parsePagination(r)
	tenants, err := s.deps.Store.ListTenants(r.Context(), offset, limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if tenants == nil {
		tenants = []*gateway.Tenant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tenants})
}

func (s *server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var t gateway.Tenant
	if !decodeJSON(w, r, &t) {
		return
	}
	if t.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Plan == "" {
		t.Plan = "free"
	}
	t.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateTenant(r.Context(), &t); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.deps.Store.DeleteTenant(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Webhooks ---

func (s *server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	hooks, err := s.deps.Store.ListWebhooks(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if hooks == nil {
		hooks = []*gateway.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": hooks})
}

func (s *server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var wh gateway.Webhook
	if !decodeJSON(w, r, &wh) {
		return
	}
	if wh.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("url is required"))
		return
	}
	if wh.TenantID == "" {
		wh.TenantID = "default"
	}
	if wh.ID == "" {
		wh.ID = uuid.NewString()
	}
	wh.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateWebhook(r.Context(), &wh); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

func (s *server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.deps.Store.DeleteWebhook(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
