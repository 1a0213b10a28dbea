package shadow

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/telemetry"
	"github.com/modelmux/modelmux/internal/testutil"
	"github.com/modelmux/modelmux/internal/upstream"
)

func newTestSampler(t *testing.T, cfg SamplerConfig, ups ...upstream.Upstream) (*Sampler, *Queue) {
	t.Helper()
	reg := upstream.NewRegistry()
	for _, u := range ups {
		if err := reg.Register(u); err != nil {
			t.Fatal(err)
		}
	}
	q := NewQueue(100)
	s := NewSampler(cfg, reg, q, telemetry.NewMetrics(prometheus.NewRegistry()), slog.New(slog.DiscardHandler))
	return s, q
}

func primaryResp() *gateway.Response {
	return &gateway.Response{Provider: "a", Text: "primary answer", DurationMs: 12}
}

func TestSampler_EnqueuesComparison(t *testing.T) {
	t.Parallel()

	a := testutil.NewFakeUpstream(upstream.Config{Name: "a", Priority: 1})
	b := testutil.NewFakeUpstream(upstream.Config{Name: "b", Priority: 2})
	s, q := newTestSampler(t, SamplerConfig{Rate: 0.05, MaxConcurrent: 2}, a, b)
	s.rnd = func() float64 { return 0 } // always sample

	s.MaybeShadow("req1", "prompt", primaryResp(), classify.TaskGeneral, nil)
	s.Flush()

	if q.Len() != 1 {
		t.Fatalf("queue len = %d", q.Len())
	}
	got := q.Drain(0)[0]
	if got.Primary.Provider != "a" || got.Shadow.Provider != "b" {
		t.Fatalf("comparison = %+v", got)
	}
	if got.Primary.Response == "" || got.Shadow.Response == "" {
		t.Fatal("empty response in comparison")
	}
	if a.Calls.Load() != 0 {
		t.Fatal("primary upstream shadow-called")
	}
}

func TestSampler_RespectsRate(t *testing.T) {
	t.Parallel()

	a := testutil.NewFakeUpstream(upstream.Config{Name: "a", Priority: 1})
	b := testutil.NewFakeUpstream(upstream.Config{Name: "b", Priority: 2})
	s, q := newTestSampler(t, SamplerConfig{Rate: 0.05, MaxConcurrent: 1}, a, b)
	s.rnd = func() float64 { return 0.99 } // never sample

	s.MaybeShadow("req1", "prompt", primaryResp(), classify.TaskGeneral, nil)
	s.Flush()
	if q.Len() != 0 {
		t.Fatal("sampled above rate")
	}
}

func TestSampler_SkipsExcludedAndCached(t *testing.T) {
	t.Parallel()

	a := testutil.NewFakeUpstream(upstream.Config{Name: "a", Priority: 1})
	b := testutil.NewFakeUpstream(upstream.Config{Name: "b", Priority: 2})
	c := testutil.NewFakeUpstream(upstream.Config{Name: "c", Priority: 3})
	s, q := newTestSampler(t, SamplerConfig{Rate: 0.5, MaxConcurrent: 5, Exclude: []string{"b"}}, a, b, c)
	s.rnd = func() float64 { return 0 }

	s.MaybeShadow("req1", "prompt", primaryResp(), classify.TaskGeneral, nil)
	s.Flush()
	got := q.Drain(0)
	if len(got) != 1 || got[0].Shadow.Provider != "c" {
		t.Fatalf("comparisons = %+v", got)
	}

	cached := primaryResp()
	cached.Cached = true
	s.MaybeShadow("req2", "prompt", cached, classify.TaskGeneral, nil)
	s.Flush()
	if q.Len() != 0 {
		t.Fatal("cached response was shadowed")
	}
}

func TestSampler_FailedShadowNotEnqueued(t *testing.T) {
	t.Parallel()

	a := testutil.NewFakeUpstream(upstream.Config{Name: "a", Priority: 1})
	b := testutil.NewFakeUpstream(upstream.Config{Name: "b", Priority: 2})
	b.CallFn = func(context.Context, string, *gateway.CallOptions) (*gateway.Response, error) {
		return nil, errors.New("shadow target down")
	}
	s, q := newTestSampler(t, SamplerConfig{Rate: 0.5, MaxConcurrent: 1}, a, b)
	s.rnd = func() float64 { return 0 }

	s.MaybeShadow("req1", "prompt", primaryResp(), classify.TaskGeneral, nil)
	s.Flush()
	if q.Len() != 0 {
		t.Fatal("failed shadow call enqueued")
	}
}
