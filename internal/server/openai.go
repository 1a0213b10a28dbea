package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/upstream"
)

// promptFromMessages flattens an OpenAI message list into a single prompt.
// A lone user message passes through unchanged; multi-turn conversations are
// rendered as role-tagged lines.
func promptFromMessages(messages []gateway.Message) string {
	if len(messages) == 1 {
		return messages[0].ContentText()
	}
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.ContentText())
	}
	return b.String()
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req gateway.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, openaiErrorResponse("messages is required"))
		return
	}

	prompt, ok := s.preparePrompt(w, r, promptFromMessages(req.Messages))
	if !ok {
		return
	}
	if !s.checkBudget(w, r, req.Model, prompt) {
		return
	}

	opts := &gateway.CallOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		UserID:      req.User,
	}

	decision, err := s.route(r, prompt, opts, req.Stream)
	if err != nil {
		writeJSON(w, errorStatus(err), openaiErrorResponse(err.Error()))
		return
	}

	if req.Stream {
		s.streamChat(w, r, prompt, decision.Provider, decision.TaskType, opts, start)
		return
	}

	resp, err := s.deps.Executor.ExecuteWithFallback(r.Context(), prompt, decision.Provider, opts)
	if err != nil {
		s.failPipeline(w, r, prompt, err, start)
		return
	}
	s.recordOutcome(r, prompt, resp, decision.TaskType, opts, start)
	writeJSON(w, http.StatusOK, s.shapeChat(resp, prompt, gateway.RequestIDFromContext(r.Context())))
}

func (s *server) shapeChat(resp *gateway.Response, prompt, requestID string) *gateway.ChatResponse {
	usage := resp.Usage
	if usage == nil && s.deps.Tokens != nil {
		usage = s.deps.Tokens.Usage(resp.Model, prompt, resp.Text)
	}
	msg := gateway.TextMessage("assistant", resp.Text)
	return &gateway.ChatResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      &msg,
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}

// streamChat streams chat.completion.chunk SSE frames and a final chunk
// carrying usage, then the [DONE] terminator.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, prompt, provider string, task classify.TaskType, opts *gateway.CallOptions, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, openaiErrorResponse("streaming unsupported"))
		return
	}
	writeSSEHeaders(w)
	flusher.Flush()

	requestID := gateway.RequestIDFromContext(r.Context())
	id := "chatcmpl-" + requestID
	created := time.Now().Unix()
	model := modelName(s.deps.Upstreams, provider, opts)

	writeChunk := func(chunk *gateway.ChatResponse) {
		b, _ := json.Marshal(chunk)
		writeSSEData(w, b)
		flusher.Flush()
	}
	deltaChunk := func(content string, finish string) *gateway.ChatResponse {
		delta := gateway.TextMessage("assistant", content)
		return &gateway.ChatResponse{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []gateway.Choice{{Index: 0, Delta: &delta, FinishReason: finish}},
		}
	}

	var text []byte
	sink := &gateway.StreamSink{
		OnChunk: func(chunk string) {
			text = append(text, chunk...)
			writeChunk(deltaChunk(chunk, ""))
		},
		OnEnd: func(time.Duration) {
			final := deltaChunk("", "stop")
			if s.deps.Tokens != nil {
				final.Usage = s.deps.Tokens.Usage(model, prompt, string(text))
			}
			writeChunk(final)
			writeSSEDone(w)
			flusher.Flush()
		},
		OnError: func(err error) {
			b, _ := json.Marshal(openaiErrorResponse(err.Error()))
			writeSSEData(w, b)
			flusher.Flush()
		},
	}

	res, err := s.deps.Executor.ExecuteStreamWithFallback(r.Context(), prompt, provider, opts, sink)
	if err != nil {
		return
	}

	// Chunks were framed with the requested model; the bookkeeping below
	// uses the upstream that actually served the stream.
	bookModel := res.Model
	if bookModel == "" {
		bookModel = modelName(s.deps.Upstreams, res.Provider, opts)
	}
	resp := &gateway.Response{
		Model:      bookModel,
		Text:       string(text),
		Provider:   res.Provider,
		Cached:     res.Cached,
		DurationMs: time.Since(start).Milliseconds(),
	}
	s.recordOutcome(r, prompt, resp, task, opts, start)
}

// --- Model inventory ---

type modelInfo struct {
	ID       string
	Provider string
}

// listModels aggregates model names across upstreams, preferring live
// /models listings and falling back to configured defaults and aliases.
// Results are memoized for a minute.
func (s *server) listModels(ctx context.Context) []modelInfo {
	if cached, ok := s.models.GetIfPresent("models"); ok {
		return cached
	}

	var out []modelInfo
	seen := make(map[string]bool)
	add := func(id, provider string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, modelInfo{ID: id, Provider: provider})
		}
	}

	for _, u := range s.deps.Upstreams.All() {
		cfg := u.Config()
		if lister, ok := u.(upstream.ModelLister); ok {
			listCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			models, err := lister.ListModels(listCtx)
			cancel()
			if err == nil {
				for _, m := range models {
					add(m, cfg.Name)
				}
				continue
			}
		}
		add(cfg.DefaultModel, cfg.Name)
		for _, m := range cfg.Aliases {
			add(m, cfg.Name)
		}
	}

	s.models.Set("models", out)
	return out
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	type openaiModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	models := s.listModels(r.Context())
	data := make([]openaiModel, len(models))
	created := s.started.Unix()
	for i, m := range models {
		data[i] = openaiModel{ID: m.ID, Object: "model", Created: created, OwnedBy: m.Provider}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleTags serves the Ollama-compatible model listing.
func (s *server) handleTags(w http.ResponseWriter, r *http.Request) {
	type tagModel struct {
		Name       string    `json:"name"`
		Model      string    `json:"model"`
		ModifiedAt time.Time `json:"modified_at"`
	}
	models := s.listModels(r.Context())
	tags := make([]tagModel, len(models))
	for i, m := range models {
		tags[i] = tagModel{Name: m.ID, Model: m.ID, ModifiedAt: s.started}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": tags})
}
