// Package plugin implements a lightweight hook registry. Handlers run in
// registration order; one handler's failure is logged and the chain
// continues, so a broken plugin can never take a request down with it.
package plugin

import (
	"context"
	"log/slog"
	"sync"

	gateway "github.com/modelmux/modelmux/internal"
)

// Hook names dispatched by the pipeline.
const (
	HookRequest  = "onRequest"  // after validation, before routing
	HookPrompt   = "onPrompt"   // sanitized prompt, may rewrite it
	HookResponse = "onResponse" // successful response, before shaping
	HookError    = "onError"    // terminal pipeline failure
	HookShutdown = "onShutdown" // graceful teardown
)

// HookContext is the mutable state passed through a hook chain.
type HookContext struct {
	RequestID string
	Prompt    string
	Response  *gateway.Response
	Err       error
	Values    map[string]any
}

// Handler is one plugin hook. Returning an error is recorded but does not
// stop the chain.
type Handler func(ctx context.Context, hc *HookContext) error

type entry struct {
	name string
	fn   Handler
}

// Registry holds named hook chains.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string][]entry
	log   *slog.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{hooks: make(map[string][]entry), log: log}
}

// Register appends a handler to the named hook chain.
func (r *Registry) Register(hook, name string, fn Handler) {
	r.mu.Lock()
	r.hooks[hook] = append(r.hooks[hook], entry{name: name, fn: fn})
	r.mu.Unlock()
}

// Execute runs the named hook chain in registration order. Individual
// handler failures and panics are logged with the request ID and skipped.
func (r *Registry) Execute(ctx context.Context, hook string, hc *HookContext) {
	r.mu.RLock()
	chain := r.hooks[hook]
	r.mu.RUnlock()

	for _, e := range chain {
		r.invoke(ctx, hook, e, hc)
	}
}

// invoke runs one handler, containing its error or panic so the rest of the
// chain still executes.
func (r *Registry) invoke(ctx context.Context, hook string, e entry, hc *HookContext) {
	defer func() {
		if p := recover(); p != nil {
			r.log.LogAttrs(ctx, slog.LevelError, "plugin handler panicked",
				slog.String("hook", hook),
				slog.String("plugin", e.name),
				slog.String("request_id", hc.RequestID),
				slog.Any("panic", p))
		}
	}()
	if err := e.fn(ctx, hc); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "plugin handler failed",
			slog.String("hook", hook),
			slog.String("plugin", e.name),
			slog.String("request_id", hc.RequestID),
			slog.String("error", err.Error()))
	}
}

// Len returns the number of handlers registered for a hook.
func (r *Registry) Len(hook string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[hook])
}
