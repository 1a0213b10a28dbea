package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/upstream/sseutil"
)

const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 4 * time.Second
)

var _ Upstream = (*HTTPUpstream)(nil)
var _ ModelLister = (*HTTPUpstream)(nil)

// HTTPUpstream talks to an OpenAI-compatible HTTP backend: JSON POST to
// /chat/completions, SSE or NDJSON lines when streaming.
type HTTPUpstream struct {
	cfg     Config
	baseURL string
	apiKey  string
	http    *http.Client
	quota   *QuotaState

	retryBase time.Duration // test hook
}

// NewHTTP creates an HTTP adapter. If client is nil a default pooled client
// is used. baseURL should point at the API root (e.g. ".../v1").
func NewHTTP(cfg Config, baseURL, apiKey string, client *http.Client) *HTTPUpstream {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPUpstream{
		cfg:       cfg,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		http:      client,
		quota:     NewQuotaState(cfg.CooldownTime),
		retryBase: retryBaseDelay,
	}
}

func (u *HTTPUpstream) Name() string         { return u.cfg.Name }
func (u *HTTPUpstream) Config() Config       { return u.cfg }
func (u *HTTPUpstream) Quota() *QuotaState   { return u.quota }
func (u *HTTPUpstream) SupportsStream() bool { return u.cfg.SupportsStream }

func (u *HTTPUpstream) chatRequest(prompt string, opts *gateway.CallOptions, stream bool) *gateway.ChatRequest {
	req := &gateway.ChatRequest{
		Messages: []gateway.Message{gateway.TextMessage("user", prompt)},
		Stream:   stream,
	}
	if opts != nil {
		req.Model = u.cfg.ResolveModel(opts.Model)
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
		req.User = opts.UserID
	} else {
		req.Model = u.cfg.DefaultModel
	}
	return req
}

// backoff returns the delay before retry attempt n (0-based): base * 2^n
// plus up to 10% jitter, capped.
func (u *HTTPUpstream) backoff(attempt int) time.Duration {
	d := u.retryBase << attempt
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(d)/10 + 1))
	return d + jitter
}

// Call dispatches a non-streaming chat completion. Transport-class failures
// are retried with exponential backoff up to MaxRetries; quota errors are
// never retried so the caller can cool this upstream down and move on.
func (u *HTTPUpstream) Call(ctx context.Context, prompt string, opts *gateway.CallOptions) (*gateway.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, callDeadline(&u.cfg, opts))
	defer cancel()

	req := u.chatRequest(prompt, opts, false)
	start := time.Now()

	for attempt := 0; ; attempt++ {
		u.quota.RecordDispatch()
		out, err := u.doChat(ctx, req)
		if err == nil {
			resp := &gateway.Response{
				Model:      out.Model,
				Provider:   u.cfg.Name,
				DurationMs: time.Since(start).Milliseconds(),
				Usage:      out.Usage,
			}
			if resp.Model == "" {
				resp.Model = req.Model
			}
			if len(out.Choices) > 0 && out.Choices[0].Message != nil {
				resp.Text = out.Choices[0].Message.ContentText()
			}
			return resp, nil
		}

		if Classify(err) != KindRetryable || attempt >= u.cfg.MaxRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", u.cfg.Name, ctx.Err())
		case <-time.After(u.backoff(attempt)):
		}
	}
}

func (u *HTTPUpstream) doChat(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", u.cfg.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", u.cfg.Name, err)
	}
	u.setHeaders(httpReq)

	resp, err := u.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", u.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(u.cfg.Name, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", u.cfg.Name, err)
	}
	return &out, nil
}

// CallStream dispatches a streaming chat completion and forwards text deltas
// into sink. Both SSE ("data: {...}") and bare NDJSON lines are accepted;
// the payloads are probed with gjson so no full decode happens per chunk.
func (u *HTTPUpstream) CallStream(ctx context.Context, prompt string, opts *gateway.CallOptions, sink *gateway.StreamSink) error {
	if !u.cfg.SupportsStream {
		return fmt.Errorf("%s: %w", u.cfg.Name, gateway.ErrStreamUnsupported)
	}

	ctx, cancel := context.WithTimeout(ctx, callDeadline(&u.cfg, opts))
	defer cancel()

	req := u.chatRequest(prompt, opts, true)
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", u.cfg.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", u.cfg.Name, err)
	}
	u.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	u.quota.RecordDispatch()
	start := time.Now()
	resp, err := u.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: do request: %w", u.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ParseAPIError(u.cfg.Name, resp)
	}

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := sseutil.ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		// OpenAI SSE delta, falling back to Ollama-style NDJSON.
		if text := gjson.Get(data, "choices.0.delta.content"); text.Exists() {
			if text.Str != "" {
				sink.OnChunk(text.Str)
			}
		} else if text := gjson.Get(data, "response"); text.Exists() {
			if text.Str != "" {
				sink.OnChunk(text.Str)
			}
			if gjson.Get(data, "done").Bool() {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: stream: %w", u.cfg.Name, ctx.Err())
		}
		return fmt.Errorf("%s: stream: %w", u.cfg.Name, err)
	}

	if sink.OnEnd != nil {
		sink.OnEnd(time.Since(start))
	}
	return nil
}

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the model IDs the backend advertises.
func (u *HTTPUpstream) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", u.cfg.Name, err)
	}
	u.setHeaders(httpReq)

	resp, err := u.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", u.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(u.cfg.Name, resp)
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode models response: %w", u.cfg.Name, err)
	}

	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// HealthCheck probes the models endpoint and measures round-trip latency.
func (u *HTTPUpstream) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := u.ListModels(ctx)
	st := HealthStatus{OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

func (u *HTTPUpstream) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+u.apiKey)
	}
}
