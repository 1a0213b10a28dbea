// Package testutil provides shared fakes for gateway tests.
package testutil

import (
	"context"
	"sync/atomic"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/upstream"
)

// FakeUpstream is a scriptable upstream.Upstream for tests.
type FakeUpstream struct {
	Cfg   upstream.Config
	quota *upstream.QuotaState

	// CallFn handles Call; defaults to echoing the prompt.
	CallFn func(ctx context.Context, prompt string, opts *gateway.CallOptions) (*gateway.Response, error)
	// StreamFn handles CallStream; defaults to one chunk of the prompt.
	StreamFn func(ctx context.Context, prompt string, opts *gateway.CallOptions, sink *gateway.StreamSink) error

	Calls   atomic.Int64
	Streams atomic.Int64
}

var _ upstream.Upstream = (*FakeUpstream)(nil)

// NewFakeUpstream creates a fake with the given name and config defaults.
func NewFakeUpstream(cfg upstream.Config) *FakeUpstream {
	return &FakeUpstream{Cfg: cfg, quota: upstream.NewQuotaState(cfg.CooldownTime)}
}

func (f *FakeUpstream) Name() string                { return f.Cfg.Name }
func (f *FakeUpstream) Config() upstream.Config     { return f.Cfg }
func (f *FakeUpstream) Quota() *upstream.QuotaState { return f.quota }
func (f *FakeUpstream) SupportsStream() bool        { return f.Cfg.SupportsStream }

func (f *FakeUpstream) Call(ctx context.Context, prompt string, opts *gateway.CallOptions) (*gateway.Response, error) {
	f.Calls.Add(1)
	f.quota.RecordDispatch()
	if f.CallFn != nil {
		return f.CallFn(ctx, prompt, opts)
	}
	return &gateway.Response{
		Model:    f.Cfg.ResolveModel(optModel(opts)),
		Text:     "echo: " + prompt,
		Provider: f.Cfg.Name,
		Usage:    &gateway.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}, nil
}

func (f *FakeUpstream) CallStream(ctx context.Context, prompt string, opts *gateway.CallOptions, sink *gateway.StreamSink) error {
	f.Streams.Add(1)
	f.quota.RecordDispatch()
	if f.StreamFn != nil {
		return f.StreamFn(ctx, prompt, opts, sink)
	}
	sink.OnChunk("echo: " + prompt)
	if sink.OnEnd != nil {
		sink.OnEnd(time.Millisecond)
	}
	return nil
}

func (f *FakeUpstream) HealthCheck(ctx context.Context) upstream.HealthStatus {
	return upstream.HealthStatus{OK: true, LatencyMs: 1}
}

func optModel(opts *gateway.CallOptions) string {
	if opts == nil {
		return ""
	}
	return opts.Model
}
