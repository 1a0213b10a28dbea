// Package telemetry provides observability primitives for the modelmux gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	FallbackDepth    prometheus.Histogram
	QuotaCooldowns   *prometheus.CounterVec
	RouteDecisions   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	BudgetEvents     *prometheus.CounterVec
	ShadowDispatches prometheus.Counter
	ShadowDrops      prometheus.Counter
	JudgeVerdicts    *prometheus.CounterVec
	WeightUpdates    prometheus.Counter
	UsageQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "modelmux",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelmux",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "modelmux",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"upstream", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by classification.",
		}, []string{"upstream", "kind"}),

		FallbackDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modelmux",
			Name:      "fallback_depth",
			Help:      "Number of upstreams attempted before success.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),

		QuotaCooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "quota_cooldowns_total",
			Help:      "Total quota exhaustion cooldowns entered.",
		}, []string{"upstream"}),

		RouteDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "route_decisions_total",
			Help:      "Total routing decisions by strategy and upstream.",
		}, []string{"strategy", "upstream"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		BudgetEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "budget_events_total",
			Help:      "Total budget warning and exceeded events.",
		}, []string{"type"}),

		ShadowDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "shadow_dispatches_total",
			Help:      "Total shadow calls dispatched.",
		}),

		ShadowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "shadow_drops_total",
			Help:      "Total shadow comparisons dropped on queue overflow.",
		}),

		JudgeVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "judge_verdicts_total",
			Help:      "Total judge verdicts by outcome.",
		}, []string{"verdict"}),

		WeightUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "weight_updates_total",
			Help:      "Total routing weight table updates applied.",
		}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelmux",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FallbackDepth,
		m.QuotaCooldowns,
		m.RouteDecisions,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.BudgetEvents,
		m.ShadowDispatches,
		m.ShadowDrops,
		m.JudgeVerdicts,
		m.WeightUpdates,
		m.UsageQueueLength,
	)

	return m
}
