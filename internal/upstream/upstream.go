// Package upstream implements the LLM upstream adapters and their registry.
// An upstream is a single backend the gateway can dispatch prompts to, either
// over HTTP (OpenAI-compatible JSON, SSE/NDJSON streaming) or by driving a
// local CLI as a child process.
package upstream

import (
	"context"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

// Timeouts are the per-adapter HTTP timing limits.
type Timeouts struct {
	Connect   time.Duration
	FirstByte time.Duration
	Total     time.Duration
}

// Config holds the static configuration of one upstream.
type Config struct {
	Name           string
	DefaultModel   string
	Aliases        map[string]string // requested model -> upstream model
	Priority       int               // lower tries first
	Weight         float64           // routing weight, all upstreams sum to 100
	QuotaWindow    time.Duration
	CooldownTime   time.Duration // 0 = quota errors never cool this upstream down
	Timeouts       Timeouts
	SupportsStream bool
	Secure         bool // eligible for SENSITIVE/CRITICAL prompts
	Strengths      []string
	MaxRetries     int
}

// ResolveModel maps a requested model name through the alias table. An empty
// request resolves to the default model.
func (c *Config) ResolveModel(requested string) string {
	if requested == "" {
		return c.DefaultModel
	}
	if m, ok := c.Aliases[requested]; ok {
		return m
	}
	return requested
}

// HealthStatus is the result of a single upstream health probe.
type HealthStatus struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Upstream is a single LLM backend adapter.
type Upstream interface {
	Name() string
	Config() Config
	Quota() *QuotaState

	// Call dispatches a prompt and blocks until the full response arrives.
	Call(ctx context.Context, prompt string, opts *gateway.CallOptions) (*gateway.Response, error)

	// CallStream dispatches a prompt and pushes chunks into sink as they
	// arrive. sink.OnEnd fires exactly once on success; on failure CallStream
	// returns the error without invoking sink.OnEnd.
	CallStream(ctx context.Context, prompt string, opts *gateway.CallOptions, sink *gateway.StreamSink) error

	SupportsStream() bool
	HealthCheck(ctx context.Context) HealthStatus
}

// ModelLister is implemented by upstreams that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// callDeadline returns the effective hard deadline for one call: the smaller
// of the adapter's total timeout and the caller's requested timeout.
func callDeadline(cfg *Config, opts *gateway.CallOptions) time.Duration {
	d := cfg.Timeouts.Total
	if d <= 0 {
		d = 2 * time.Minute
	}
	if opts != nil && opts.Timeout > 0 && opts.Timeout < d {
		d = opts.Timeout
	}
	return d
}
