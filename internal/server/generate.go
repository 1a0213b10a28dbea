package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/inspect"
	"github.com/modelmux/modelmux/internal/plugin"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/route"
	"github.com/modelmux/modelmux/internal/upstream"
)

// generateRequest is the native-dialect request body for /api/generate and
// /api/smart (the latter ignores Provider and routes by content).
type generateRequest struct {
	Provider string               `json:"provider,omitempty"`
	Prompt   string               `json:"prompt"`
	Model    string               `json:"model,omitempty"`
	Options  *gateway.CallOptions `json:"options,omitempty"`
	Stream   bool                 `json:"stream,omitempty"`
}

// generateResponse is the native-dialect success envelope.
type generateResponse struct {
	Model         string    `json:"model"`
	CreatedAt     time.Time `json:"created_at"`
	Response      string    `json:"response"`
	Done          bool      `json:"done"`
	TotalDuration int64     `json:"total_duration"` // nanoseconds
	Provider      string    `json:"provider"`
	RequestID     string    `json:"request_id"`
	Cached        bool      `json:"cached,omitempty"`
}

// streamFrame is one native-dialect SSE payload.
type streamFrame struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

type pipelineError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
	Duration  int64  `json:"duration"` // milliseconds
}

func (s *server) writePipelineError(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	writeJSON(w, errorStatus(err), pipelineError{
		Error:     err.Error(),
		RequestID: gateway.RequestIDFromContext(r.Context()),
		Duration:  time.Since(start).Milliseconds(),
	})
}

// preparePrompt sanitizes the prompt and runs the onPrompt plugin hook.
// Returns ok=false after writing the response when the prompt is blocked.
func (s *server) preparePrompt(w http.ResponseWriter, r *http.Request, prompt string) (string, bool) {
	requestID := gateway.RequestIDFromContext(r.Context())

	clean, verdict := sanitize(prompt)
	switch verdict {
	case promptBlocked:
		s.inspect(inspect.Event{RequestID: requestID, Stage: "sanitize", Detail: "blocked", Error: true})
		writeJSON(w, http.StatusBadRequest, errorResponse(gateway.ErrPromptBlocked.Error()))
		return "", false
	case promptSuspicious:
		s.inspect(inspect.Event{RequestID: requestID, Stage: "sanitize", Detail: "suspicious"})
	}

	if s.deps.Plugins != nil && s.deps.Plugins.Len(plugin.HookPrompt) > 0 {
		hc := &plugin.HookContext{RequestID: requestID, Prompt: clean}
		s.deps.Plugins.Execute(r.Context(), plugin.HookPrompt, hc)
		clean = hc.Prompt
	}
	return clean, true
}

// checkBudget pre-charges the estimated prompt tokens against the caller's
// budget. Returns ok=false after writing a 429 when a limit would be breached.
// The completion side is recorded after the call in recordOutcome.
func (s *server) checkBudget(w http.ResponseWriter, r *http.Request, model, prompt string) bool {
	b := s.deps.Budget
	id := gateway.IdentityFromContext(r.Context())
	if b == nil || id == nil || (id.TokenLimit == 0 && id.CostLimit == 0) {
		return true
	}

	b.SetLimits(id.KeyID, id.TokenLimit, id.CostLimit)
	est := 0
	if s.deps.Tokens != nil {
		est = s.deps.Tokens.CountText(model, prompt)
	}
	if err := b.RecordUsage(id.KeyID, ratelimit.UsageInput{PromptTokens: est, Model: model}); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.WithLabelValues("budget").Inc()
		}
		w.Header().Set("Retry-After", "3600")
		writeJSON(w, http.StatusTooManyRequests, errorResponse(gateway.ErrBudgetExceeded.Error()))
		return false
	}
	return true
}

// recordOutcome runs the post-success bookkeeping: completion-side budget
// charge, usage record, shadow dispatch, onResponse hook. Never blocks the
// response path on shadow work.
func (s *server) recordOutcome(r *http.Request, prompt string, resp *gateway.Response, task classify.TaskType, opts *gateway.CallOptions, start time.Time) {
	requestID := gateway.RequestIDFromContext(r.Context())
	id := gateway.IdentityFromContext(r.Context())

	completion := 0
	promptTokens := 0
	if resp.Usage != nil {
		completion = resp.Usage.CompletionTokens
		promptTokens = resp.Usage.PromptTokens
	} else if s.deps.Tokens != nil {
		completion = s.deps.Tokens.CountText(resp.Model, resp.Text)
		promptTokens = s.deps.Tokens.CountText(resp.Model, prompt)
	}

	if s.deps.Budget != nil && id != nil && (id.TokenLimit > 0 || id.CostLimit > 0) && !resp.Cached {
		// Prompt tokens were pre-charged in checkBudget; charge the completion.
		s.deps.Budget.RecordUsage(id.KeyID, ratelimit.UsageInput{ //nolint:errcheck
			CompletionTokens: completion,
			Model:            resp.Model,
			Provider:         resp.Provider,
		})
	}

	if s.deps.Usage != nil && id != nil {
		s.deps.Usage.Record(gateway.UsageRecord{
			ID:               uuid.NewString(),
			KeyID:            id.KeyID,
			TenantID:         id.TenantID,
			Model:            resp.Model,
			Provider:         resp.Provider,
			PromptTokens:     promptTokens,
			CompletionTokens: completion,
			Cached:           resp.Cached,
			LatencyMs:        int(time.Since(start).Milliseconds()),
			StatusCode:       http.StatusOK,
			RequestID:        requestID,
			CreatedAt:        time.Now().UTC(),
		})
	}

	if s.deps.Sampler != nil {
		s.deps.Sampler.MaybeShadow(requestID, prompt, resp, task, opts)
	}

	if s.deps.Plugins != nil && s.deps.Plugins.Len(plugin.HookResponse) > 0 {
		s.deps.Plugins.Execute(r.Context(), plugin.HookResponse,
			&plugin.HookContext{RequestID: requestID, Prompt: prompt, Response: resp})
	}
}

func (s *server) inspect(ev inspect.Event) {
	if s.deps.Inspector != nil {
		ev.At = time.Now()
		s.deps.Inspector.Record(ev)
	}
}

// handleGenerate serves POST /api/generate: direct dispatch to the named
// provider (or the configured default) with fallback on failure.
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req generateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("prompt is required"))
		return
	}

	prompt, ok := s.preparePrompt(w, r, req.Prompt)
	if !ok {
		return
	}

	opts := req.Options
	if req.Model != "" {
		if opts == nil {
			opts = &gateway.CallOptions{}
		}
		opts.Model = req.Model
	}

	if !s.checkBudget(w, r, req.Model, prompt) {
		return
	}

	preferred := req.Provider
	if preferred == "" {
		preferred = s.deps.DefaultProvider
	}
	override := ""
	if opts != nil {
		override = opts.TaskType
	}
	task := classify.Task(prompt, override)

	if req.Stream {
		s.streamNative(w, r, prompt, preferred, task, opts, start)
		return
	}

	resp, err := s.deps.Executor.ExecuteWithFallback(r.Context(), prompt, preferred, opts)
	if err != nil {
		s.failPipeline(w, r, prompt, err, start)
		return
	}
	s.recordOutcome(r, prompt, resp, task, opts, start)
	writeJSON(w, http.StatusOK, shapeNative(resp, gateway.RequestIDFromContext(r.Context()), start))
}

// handleSmart serves POST /api/smart: content-based routing through the
// smart router, then the same execution pipeline as /api/generate.
func (s *server) handleSmart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req generateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("prompt is required"))
		return
	}

	prompt, ok := s.preparePrompt(w, r, req.Prompt)
	if !ok {
		return
	}
	if !s.checkBudget(w, r, req.Model, prompt) {
		return
	}

	decision, err := s.route(r, prompt, req.Options, req.Stream)
	if err != nil {
		s.writePipelineError(w, r, err, start)
		return
	}

	if req.Stream {
		s.streamNative(w, r, prompt, decision.Provider, decision.TaskType, req.Options, start)
		return
	}

	resp, err := s.deps.Executor.ExecuteWithFallback(r.Context(), prompt, decision.Provider, req.Options)
	if err != nil {
		s.failPipeline(w, r, prompt, err, start)
		return
	}
	s.recordOutcome(r, prompt, resp, decision.TaskType, req.Options, start)
	writeJSON(w, http.StatusOK, shapeNative(resp, gateway.RequestIDFromContext(r.Context()), start))
}

// route runs the smart router over currently-available upstreams and records
// the decision trace.
func (s *server) route(r *http.Request, prompt string, opts *gateway.CallOptions, needStream bool) (*route.Decision, error) {
	requestID := gateway.RequestIDFromContext(r.Context())

	ups := s.deps.Upstreams.Available(needStream)
	candidates := make([]route.Candidate, 0, len(ups))
	for _, u := range ups {
		cfg := u.Config()
		// Open circuits are left out; the breaker would reject the call anyway.
		if s.deps.Breakers != nil && s.deps.Breakers.Get(cfg.Name).State() == circuitbreaker.StateOpen {
			continue
		}
		candidates = append(candidates, route.Candidate{
			Name:      cfg.Name,
			Secure:    cfg.Secure,
			Strengths: cfg.Strengths,
			Priority:  cfg.Priority,
			Weight:    cfg.Weight,
		})
	}

	healthy := s.deps.Monitor == nil || s.deps.Monitor.Healthy()
	decision, err := s.deps.Router.Decide(prompt, candidates, healthy, opts)
	if err != nil {
		s.inspect(inspect.Event{RequestID: requestID, Stage: "route", Detail: err.Error(), Error: true})
		return nil, err
	}

	if decision.Privacy != classify.PrivacyPublic {
		s.inspect(inspect.Event{
			RequestID: requestID,
			Stage:     "PRIVACY_FILTER",
			Detail:    "Content is " + string(decision.Privacy),
		})
	}
	s.inspect(inspect.Event{
		RequestID: requestID,
		Stage:     "route",
		Detail:    decision.Rationale,
		Fields: map[string]any{
			"provider": decision.Provider,
			"strategy": decision.Strategy,
			"task":     decision.TaskType,
		},
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.RouteDecisions.WithLabelValues(decision.Strategy, decision.Provider).Inc()
	}
	return decision, nil
}

// failPipeline writes the error response and runs the onError plugin hook.
func (s *server) failPipeline(w http.ResponseWriter, r *http.Request, prompt string, err error, start time.Time) {
	requestID := gateway.RequestIDFromContext(r.Context())
	s.inspect(inspect.Event{RequestID: requestID, Stage: "upstream", Detail: err.Error(), Error: true})
	if s.deps.Plugins != nil && s.deps.Plugins.Len(plugin.HookError) > 0 {
		s.deps.Plugins.Execute(r.Context(), plugin.HookError,
			&plugin.HookContext{RequestID: requestID, Prompt: prompt, Err: err})
	}
	s.writePipelineError(w, r, err, start)
}

func shapeNative(resp *gateway.Response, requestID string, start time.Time) generateResponse {
	return generateResponse{
		Model:         resp.Model,
		CreatedAt:     time.Now().UTC(),
		Response:      resp.Text,
		Done:          true,
		TotalDuration: time.Since(start).Nanoseconds(),
		Provider:      resp.Provider,
		RequestID:     requestID,
		Cached:        resp.Cached,
	}
}

// streamNative streams native-dialect SSE frames {content, done}. Fallback to
// another upstream is only possible before the first chunk is written; after
// that an error terminates the stream with a final error frame.
func (s *server) streamNative(w http.ResponseWriter, r *http.Request, prompt, preferred string, task classify.TaskType, opts *gateway.CallOptions, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse("streaming unsupported"))
		return
	}
	writeSSEHeaders(w)
	flusher.Flush()

	writeFrame := func(f streamFrame) {
		b, _ := json.Marshal(f)
		writeSSEData(w, b)
		flusher.Flush()
	}

	var text []byte
	sink := &gateway.StreamSink{
		OnChunk: func(chunk string) {
			text = append(text, chunk...)
			writeFrame(streamFrame{Content: chunk})
		},
		OnEnd: func(time.Duration) {
			writeFrame(streamFrame{Done: true})
			writeSSEDone(w)
			flusher.Flush()
		},
		OnError: func(err error) {
			writeFrame(streamFrame{Done: true, Error: err.Error()})
		},
	}

	res, err := s.deps.Executor.ExecuteStreamWithFallback(r.Context(), prompt, preferred, opts, sink)
	if err != nil {
		s.inspect(inspect.Event{
			RequestID: gateway.RequestIDFromContext(r.Context()),
			Stage:     "stream", Detail: err.Error(), Error: true,
		})
		return
	}

	// The envelope is attributed to the upstream that actually served the
	// stream, which differs from preferred after a pre-first-byte fallback.
	model := res.Model
	if model == "" {
		model = modelName(s.deps.Upstreams, res.Provider, opts)
	}
	resp := &gateway.Response{
		Model:      model,
		Text:       string(text),
		Provider:   res.Provider,
		Cached:     res.Cached,
		DurationMs: time.Since(start).Milliseconds(),
	}
	s.recordOutcome(r, prompt, resp, task, opts, start)
}

// modelName resolves the effective model for bookkeeping on streams, where
// no Response envelope comes back from the adapter.
func modelName(reg *upstream.Registry, provider string, opts *gateway.CallOptions) string {
	requested := ""
	if opts != nil {
		requested = opts.Model
	}
	if u := reg.Get(provider); u != nil {
		cfg := u.Config()
		return cfg.ResolveModel(requested)
	}
	return requested
}
