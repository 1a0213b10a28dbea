package app

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/telemetry"
	"github.com/modelmux/modelmux/internal/testutil"
	"github.com/modelmux/modelmux/internal/upstream"
)

func newTestExecutor(t *testing.T, c cache.Cache, ups ...upstream.Upstream) *Executor {
	t.Helper()
	reg := upstream.NewRegistry()
	for _, u := range ups {
		if err := reg.Register(u); err != nil {
			t.Fatal(err)
		}
	}
	return NewExecutor(reg, c,
		circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		telemetry.NewMetrics(prometheus.NewRegistry()),
		slog.New(slog.DiscardHandler))
}

func fakeUp(name string, priority int, stream bool) *testutil.FakeUpstream {
	return testutil.NewFakeUpstream(upstream.Config{
		Name:           name,
		Priority:       priority,
		SupportsStream: stream,
		CooldownTime:   time.Minute,
	})
}

func TestExecuteWithFallback_FirstUpstreamWins(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, false)
	b := fakeUp("b", 2, false)
	e := newTestExecutor(t, nil, a, b)

	resp, err := e.ExecuteWithFallback(context.Background(), "hi", "", nil)
	if err != nil {
		t.Fatalf("ExecuteWithFallback: %v", err)
	}
	if resp.Provider != "a" {
		t.Fatalf("provider = %q", resp.Provider)
	}
	if b.Calls.Load() != 0 {
		t.Fatal("second upstream called without need")
	}
}

func TestExecuteWithFallback_PreferredFirst(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, false)
	b := fakeUp("b", 2, false)
	e := newTestExecutor(t, nil, a, b)

	resp, err := e.ExecuteWithFallback(context.Background(), "hi", "b", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "b" {
		t.Fatalf("provider = %q, want the preferred upstream", resp.Provider)
	}
}

func TestExecuteWithFallback_QuotaCoolsDownAndCascades(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, false)
	a.CallFn = func(context.Context, string, *gateway.CallOptions) (*gateway.Response, error) {
		return nil, errors.New("rate limit exceeded")
	}
	b := fakeUp("b", 2, false)
	e := newTestExecutor(t, nil, a, b)

	resp, err := e.ExecuteWithFallback(context.Background(), "hi", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "b" {
		t.Fatalf("provider = %q", resp.Provider)
	}
	if a.Quota().Available() {
		t.Fatal("quota error must cool the upstream down")
	}

	// Cooled-down upstream is skipped entirely on the next request.
	if _, err := e.ExecuteWithFallback(context.Background(), "hi again", "", nil); err != nil {
		t.Fatal(err)
	}
	if a.Calls.Load() != 1 {
		t.Fatalf("cooled upstream called %d times", a.Calls.Load())
	}
}

func TestExecuteWithFallback_AllQuotasExhausted(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, false)
	a.Quota().MarkExhausted("quota")
	e := newTestExecutor(t, nil, a)

	_, err := e.ExecuteWithFallback(context.Background(), "hi", "", nil)
	if !errors.Is(err, gateway.ErrAllQuotasExhausted) {
		t.Fatalf("err = %v, want ErrAllQuotasExhausted", err)
	}
}

func TestExecuteWithFallback_AllFailed(t *testing.T) {
	t.Parallel()

	boom := func(context.Context, string, *gateway.CallOptions) (*gateway.Response, error) {
		return nil, errors.New("model exploded")
	}
	a := fakeUp("a", 1, false)
	a.CallFn = boom
	b := fakeUp("b", 2, false)
	b.CallFn = boom
	e := newTestExecutor(t, nil, a, b)

	_, err := e.ExecuteWithFallback(context.Background(), "hi", "", nil)
	var all *gateway.AllFailedError
	if !errors.As(err, &all) {
		t.Fatalf("err = %v, want AllFailedError", err)
	}
	if len(all.Attempts) != 2 || all.Attempts[0].Provider != "a" || all.Attempts[1].Provider != "b" {
		t.Fatalf("attempts = %+v", all.Attempts)
	}
}

func TestExecuteWithFallback_CacheRoundTrip(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, false)
	c, err := cache.NewMemory(16, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	e := newTestExecutor(t, c, a)

	first, err := e.ExecuteWithFallback(context.Background(), "cache me", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Fatal("first response marked cached")
	}

	second, err := e.ExecuteWithFallback(context.Background(), "cache me", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || second.Text != first.Text {
		t.Fatalf("second = %+v", second)
	}
	if a.Calls.Load() != 1 {
		t.Fatalf("upstream called %d times, want 1", a.Calls.Load())
	}
}

func TestExecuteWithFallback_UseCacheFalseBypasses(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, false)
	c, err := cache.NewMemory(16, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	e := newTestExecutor(t, c, a)

	off := false
	opts := &gateway.CallOptions{UseCache: &off}
	for range 2 {
		if _, err := e.ExecuteWithFallback(context.Background(), "no cache", "", opts); err != nil {
			t.Fatal(err)
		}
	}
	if a.Calls.Load() != 2 {
		t.Fatalf("upstream called %d times, want 2 with cache off", a.Calls.Load())
	}
}

func TestExecuteStreamWithFallback_RetriesBeforeFirstByte(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, true)
	a.StreamFn = func(context.Context, string, *gateway.CallOptions, *gateway.StreamSink) error {
		return errors.New("connect: econnrefused")
	}
	b := fakeUp("b", 2, true)
	e := newTestExecutor(t, nil, a, b)

	var got string
	sink := &gateway.StreamSink{OnChunk: func(s string) { got += s }}
	res, err := e.ExecuteStreamWithFallback(context.Background(), "hi", "", nil, sink)
	if err != nil {
		t.Fatalf("ExecuteStreamWithFallback: %v", err)
	}
	if got != "echo: hi" {
		t.Fatalf("streamed = %q", got)
	}
	if res.Provider != "b" {
		t.Fatalf("result provider = %q, want the upstream that served the stream", res.Provider)
	}
	if res.Cached {
		t.Fatal("result marked cached for a live stream")
	}
}

func TestExecuteStreamWithFallback_NoRetryAfterFirstByte(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, true)
	a.StreamFn = func(_ context.Context, _ string, _ *gateway.CallOptions, sink *gateway.StreamSink) error {
		sink.OnChunk("partial")
		return errors.New("stream torn down")
	}
	b := fakeUp("b", 2, true)
	e := newTestExecutor(t, nil, a, b)

	var sinkErr error
	sink := &gateway.StreamSink{
		OnChunk: func(string) {},
		OnError: func(err error) { sinkErr = err },
	}
	_, err := e.ExecuteStreamWithFallback(context.Background(), "hi", "", nil, sink)
	if err == nil || sinkErr == nil {
		t.Fatalf("err = %v, sinkErr = %v; want propagation after first byte", err, sinkErr)
	}
	if b.Streams.Load() != 0 {
		t.Fatal("failed over after bytes were already delivered")
	}
}

func TestExecuteStreamWithFallback_OnlyStreamCapable(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, false) // not stream capable
	b := fakeUp("b", 2, true)
	e := newTestExecutor(t, nil, a, b)

	sink := &gateway.StreamSink{OnChunk: func(string) {}}
	if _, err := e.ExecuteStreamWithFallback(context.Background(), "hi", "", nil, sink); err != nil {
		t.Fatal(err)
	}
	if a.Streams.Load() != 0 || b.Streams.Load() != 1 {
		t.Fatalf("streams: a=%d b=%d", a.Streams.Load(), b.Streams.Load())
	}
}

func TestExecuteStreamWithFallback_CacheHitResult(t *testing.T) {
	t.Parallel()

	a := fakeUp("a", 1, true)
	c, err := cache.NewMemory(10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	e := newTestExecutor(t, c, a)

	// Prime the cache through the non-streaming path.
	if _, err := e.ExecuteWithFallback(context.Background(), "hi", "", nil); err != nil {
		t.Fatal(err)
	}

	var got string
	sink := &gateway.StreamSink{OnChunk: func(s string) { got += s }, OnEnd: func(time.Duration) {}}
	res, err := e.ExecuteStreamWithFallback(context.Background(), "hi", "", nil, sink)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Fatal("cache hit not reported in the stream result")
	}
	if res.Provider != "a" {
		t.Fatalf("result provider = %q, want the upstream that produced the cached response", res.Provider)
	}
	if got != "echo: hi" {
		t.Fatalf("streamed = %q", got)
	}
	if a.Streams.Load() != 0 {
		t.Fatal("upstream streamed despite cache hit")
	}
}
