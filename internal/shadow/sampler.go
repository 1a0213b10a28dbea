package shadow

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/telemetry"
	"github.com/modelmux/modelmux/internal/upstream"
)

// SamplerConfig controls how much traffic is shadowed and where.
type SamplerConfig struct {
	Rate          float64       // probability a primary success is shadowed
	MaxConcurrent int           // distinct shadow upstreams per sampled request
	Exclude       []string      // upstreams never used as shadow targets
	CallTimeout   time.Duration // per shadow call
}

// Sampler duplicates a fraction of primary successes to alternate upstreams
// and enqueues the resulting comparisons. Shadow calls never delay the
// primary response; they run detached with their own deadline.
type Sampler struct {
	cfg     SamplerConfig
	reg     *upstream.Registry
	queue   *Queue
	metrics *telemetry.Metrics
	log     *slog.Logger
	exclude map[string]struct{}
	wg      sync.WaitGroup

	rnd func() float64 // test hook
	now func() time.Time
}

// NewSampler creates a sampler feeding the given queue.
func NewSampler(cfg SamplerConfig, reg *upstream.Registry, queue *Queue,
	metrics *telemetry.Metrics, log *slog.Logger) *Sampler {
	if cfg.Rate <= 0 {
		cfg.Rate = 0.05
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	exclude := make(map[string]struct{}, len(cfg.Exclude))
	for _, name := range cfg.Exclude {
		exclude[name] = struct{}{}
	}
	return &Sampler{
		cfg:     cfg,
		reg:     reg,
		queue:   queue,
		metrics: metrics,
		log:     log,
		exclude: exclude,
		rnd:     rand.Float64,
		now:     time.Now,
	}
}

// MaybeShadow samples the request and, when selected, dispatches up to
// MaxConcurrent shadow calls asynchronously. Each completed shadow call
// enqueues one comparison.
func (s *Sampler) MaybeShadow(requestID, prompt string, primary *gateway.Response, task classify.TaskType, opts *gateway.CallOptions) {
	if primary == nil || primary.Text == "" || primary.Cached {
		return
	}
	if s.rnd() >= s.cfg.Rate {
		return
	}

	targets := s.pickTargets(primary.Provider)
	for _, u := range targets {
		s.metrics.ShadowDispatches.Inc()
		s.wg.Add(1)
		go s.dispatch(u, requestID, prompt, primary, task, opts)
	}
}

func (s *Sampler) pickTargets(primaryProvider string) []upstream.Upstream {
	out := make([]upstream.Upstream, 0, s.cfg.MaxConcurrent)
	for _, u := range s.reg.Available(false) {
		if u.Name() == primaryProvider {
			continue
		}
		if _, skip := s.exclude[u.Name()]; skip {
			continue
		}
		out = append(out, u)
		if len(out) == s.cfg.MaxConcurrent {
			break
		}
	}
	return out
}

func (s *Sampler) dispatch(u upstream.Upstream, requestID, prompt string, primary *gateway.Response, task classify.TaskType, opts *gateway.CallOptions) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()

	start := s.now()
	resp, err := u.Call(ctx, prompt, opts)
	if err != nil || resp == nil || resp.Text == "" {
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "shadow call failed",
				slog.String("upstream", u.Name()), slog.String("error", err.Error()))
		}
		return
	}

	dropped := s.queue.Push(Comparison{
		RequestID: requestID,
		Prompt:    prompt,
		Primary:   Leg{Provider: primary.Provider, Response: primary.Text, DurationMs: primary.DurationMs},
		Shadow:    Leg{Provider: u.Name(), Response: resp.Text, DurationMs: s.now().Sub(start).Milliseconds()},
		TaskType:  task,
		Timestamp: s.now(),
	})
	if dropped {
		s.metrics.ShadowDrops.Inc()
	}
}

// Flush waits for in-flight shadow calls to finish. Used at shutdown.
func (s *Sampler) Flush() { s.wg.Wait() }
