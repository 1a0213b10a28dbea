// Package app wires the gateway singletons together and implements the
// fallback dispatch loop that drives upstream calls.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/telemetry"
	"github.com/modelmux/modelmux/internal/upstream"
)

// cacheModel returns the model component of the cache key.
func cacheModel(opts *gateway.CallOptions) string {
	if opts != nil && opts.Model != "" {
		return opts.Model
	}
	return "default"
}

// Executor runs requests against the upstream pool with cache lookups,
// circuit breaking, quota cooldowns, and priority-order fallback.
type Executor struct {
	reg      *upstream.Registry
	cache    cache.Cache // nil disables caching
	breakers *circuitbreaker.Registry
	metrics  *telemetry.Metrics
	log      *slog.Logger
}

// NewExecutor creates an executor over the given upstream pool.
func NewExecutor(reg *upstream.Registry, c cache.Cache, breakers *circuitbreaker.Registry,
	metrics *telemetry.Metrics, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{reg: reg, cache: c, breakers: breakers, metrics: metrics, log: log}
}

// lookupCache returns the scoped cache key and a cached response if present.
func (e *Executor) lookupCache(ctx context.Context, prompt string, opts *gateway.CallOptions) (string, *gateway.Response) {
	if e.cache == nil || !opts.CacheEnabled() {
		return "", nil
	}
	key := cache.ScopedKey(cache.AnyProvider, cacheModel(opts), prompt, classify.Privacy(prompt))
	resp, ok := e.cache.Get(ctx, key)
	if !ok {
		e.metrics.CacheMisses.Inc()
		return key, nil
	}
	e.metrics.CacheHits.Inc()
	out := *resp
	out.Cached = true
	return key, &out
}

func (e *Executor) storeCache(ctx context.Context, key string, resp *gateway.Response) {
	if e.cache == nil || key == "" {
		return
	}
	e.cache.Set(ctx, key, resp, 0)
}

// orderPreferred returns ups with the preferred upstream moved to the front.
func orderPreferred(ups []upstream.Upstream, preferred string) []upstream.Upstream {
	if preferred == "" {
		return ups
	}
	for i, u := range ups {
		if u.Name() == preferred && i > 0 {
			out := make([]upstream.Upstream, 0, len(ups))
			out = append(out, u)
			out = append(out, ups[:i]...)
			out = append(out, ups[i+1:]...)
			return out
		}
	}
	return ups
}

// handleFailure classifies one attempt failure, applying quota cooldown and
// error accounting. Returns the wrapped attempt error.
func (e *Executor) handleFailure(u upstream.Upstream, err error) *gateway.UpstreamError {
	name := u.Name()
	switch {
	case errors.Is(err, gateway.ErrCircuitOpen):
		e.metrics.UpstreamErrors.WithLabelValues(name, "circuit_open").Inc()
	case upstream.Classify(err) == upstream.KindQuota:
		u.Quota().MarkExhausted(err.Error())
		e.metrics.QuotaCooldowns.WithLabelValues(name).Inc()
		e.metrics.UpstreamErrors.WithLabelValues(name, "quota").Inc()
		e.log.LogAttrs(context.Background(), slog.LevelWarn, "upstream quota exhausted",
			slog.String("upstream", name), slog.String("error", err.Error()))
	default:
		e.metrics.UpstreamErrors.WithLabelValues(name, "error").Inc()
	}
	return &gateway.UpstreamError{Provider: name, Err: err}
}

func (e *Executor) recordSuccess(u upstream.Upstream, resp *gateway.Response, attempt int, start time.Time) {
	e.metrics.UpstreamDuration.WithLabelValues(u.Name(), resp.Model).Observe(time.Since(start).Seconds())
	e.metrics.FallbackDepth.Observe(float64(attempt + 1))
	if resp.Usage != nil {
		e.metrics.TokensProcessed.WithLabelValues(resp.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
		e.metrics.TokensProcessed.WithLabelValues(resp.Model, "completion").Add(float64(resp.Usage.CompletionTokens))
	}
}

// ExecuteWithFallback resolves the request from cache or walks the available
// upstreams in priority order (preferred first when set). Quota errors cool
// the upstream down and move on; every other failure also moves on. The
// request fails only when no upstream is available or every attempt failed.
func (e *Executor) ExecuteWithFallback(ctx context.Context, prompt, preferred string, opts *gateway.CallOptions) (*gateway.Response, error) {
	key, cached := e.lookupCache(ctx, prompt, opts)
	if cached != nil {
		return cached, nil
	}

	ups := orderPreferred(e.reg.Available(false), preferred)
	if len(ups) == 0 {
		return nil, gateway.ErrAllQuotasExhausted
	}

	attempts := make([]*gateway.UpstreamError, 0, len(ups))
	for i, u := range ups {
		start := time.Now()
		var resp *gateway.Response
		err := e.breakers.Get(u.Name()).Execute(ctx, func(ctx context.Context) error {
			var cerr error
			resp, cerr = u.Call(ctx, prompt, opts)
			return cerr
		})
		if err == nil {
			e.recordSuccess(u, resp, i, start)
			e.storeCache(ctx, key, resp)
			return resp, nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		attempts = append(attempts, e.handleFailure(u, err))
	}
	return nil, &gateway.AllFailedError{Attempts: attempts}
}

// StreamResult reports how a streaming request was served. Streams produce
// no Response envelope, so the post-stream bookkeeping (budget, usage,
// shadow sampling) reads the serving upstream and the cache disposition
// from here.
type StreamResult struct {
	Provider string
	Model    string // set on cache hits; otherwise resolved by the caller
	Cached   bool
}

// ExecuteStreamWithFallback is the streaming variant: only stream-capable
// upstreams are considered, and failover to the next upstream happens only
// while nothing has been delivered to the sink yet. Once the first chunk is
// out, errors propagate through sink.OnError.
func (e *Executor) ExecuteStreamWithFallback(ctx context.Context, prompt, preferred string, opts *gateway.CallOptions, sink *gateway.StreamSink) (*StreamResult, error) {
	_, cached := e.lookupCache(ctx, prompt, opts)
	if cached != nil {
		sink.OnChunk(cached.Text)
		if sink.OnEnd != nil {
			sink.OnEnd(0)
		}
		return &StreamResult{Provider: cached.Provider, Model: cached.Model, Cached: true}, nil
	}

	ups := orderPreferred(e.reg.Available(true), preferred)
	if len(ups) == 0 {
		return nil, gateway.ErrAllQuotasExhausted
	}

	attempts := make([]*gateway.UpstreamError, 0, len(ups))
	for _, u := range ups {
		delivered := false
		wrapped := &gateway.StreamSink{
			OnChunk: func(text string) {
				delivered = true
				sink.OnChunk(text)
			},
			OnEnd:   sink.OnEnd,
			OnError: sink.OnError,
		}

		err := e.breakers.Get(u.Name()).Execute(ctx, func(ctx context.Context) error {
			return u.CallStream(ctx, prompt, opts, wrapped)
		})
		if err == nil {
			return &StreamResult{Provider: u.Name()}, nil
		}
		if delivered {
			if sink.OnError != nil {
				sink.OnError(err)
			}
			return nil, err
		}
		attempts = append(attempts, e.handleFailure(u, err))
	}

	err := &gateway.AllFailedError{Attempts: attempts}
	if sink.OnError != nil {
		sink.OnError(err)
	}
	return nil, err
}
