// Package server implements the HTTP transport layer for the modelmux gateway.
package server

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maypok86/otter/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/app"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/inspect"
	"github.com/modelmux/modelmux/internal/monitor"
	"github.com/modelmux/modelmux/internal/plugin"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/route"
	"github.com/modelmux/modelmux/internal/shadow"
	"github.com/modelmux/modelmux/internal/storage"
	"github.com/modelmux/modelmux/internal/telemetry"
	"github.com/modelmux/modelmux/internal/tokencount"
	"github.com/modelmux/modelmux/internal/upstream"
)

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// Deps holds all dependencies for the HTTP server. Nil fields degrade to
// no-ops so tests can wire only what they exercise.
type Deps struct {
	Auth      gateway.Authenticator // nil = auth disabled
	Executor  *app.Executor
	Router    *route.Router
	Upstreams *upstream.Registry
	Breakers  *circuitbreaker.Registry // nil = open circuits stay routable
	Cache     cache.Cache           // nil = no cache endpoints data
	Limiter   *ratelimit.Limiter    // nil = no rate limiting
	Budget    *ratelimit.BudgetManager
	Tokens    *tokencount.Counter
	Sampler   *shadow.Sampler // nil = no shadow traffic
	Queue     *shadow.Queue
	Collector *shadow.Collector
	Optimizer *shadow.Optimizer
	Weights   *route.Weights
	Inspector *inspect.Inspector
	Monitor   *monitor.Monitor
	Metrics   *telemetry.Metrics
	Store     storage.Store // nil = persistence disabled
	Plugins   *plugin.Registry
	Usage     UsageRecorder // nil = no usage recording

	AuthRequired    bool
	DefaultProvider string
	Version         string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{
		deps:    deps,
		started: time.Now(),
	}
	// Short-lived memo of aggregated upstream model lists. Model inventories
	// change rarely; a 60s TTL keeps /v1/models and /api/tags cheap.
	s.models, _ = otter.New(&otter.Options[string, []modelInfo]{
		MaximumSize:      4,
		ExpiryCalculator: otter.ExpiryWriting[string, []modelInfo](time.Minute),
	})

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Client-facing API
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/api/generate", s.handleGenerate)
		r.Post("/api/smart", s.handleSmart)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/api/tags", s.handleTags)
		r.Get("/api/cache/stats", s.handleCacheStats)
		r.Post("/api/cache/clear", s.handleCacheClear)
		r.Get("/api/quota", s.handleQuota)
		r.Post("/api/quota/reset", s.handleQuotaReset)
		r.Get("/api/evaluation/comparisons", s.handleEvalComparisons)
		r.Get("/api/evaluation/metrics", s.handleEvalMetrics)
		r.Get("/api/evaluation/weights", s.handleEvalWeights)
	})

	// Admin API (admin key required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.adminOnly)
		r.Post("/api/evaluation/weights/update", s.handleEvalWeightsUpdate)
		r.Get("/admin/api-keys", s.handleListKeys)
		r.Post("/admin/api-keys", s.handleCreateKey)
		r.Delete("/admin/api-keys/{id}", s.handleDeleteKey)
		r.Get("/api/tenants", s.handleListTenants)
		r.Post("/api/tenants", s.handleCreateTenant)
		r.Delete("/api/tenants/{id}", s.handleDeleteTenant)
		r.Get("/api/webhooks", s.handleListWebhooks)
		r.Post("/api/webhooks", s.handleCreateWebhook)
		r.Delete("/api/webhooks/{id}", s.handleDeleteWebhook)
	})

	return r
}

type server struct {
	deps    Deps
	started time.Time
	active  atomic.Int64 // in-flight request count for /health
	models  *otter.Cache[string, []modelInfo]
}
