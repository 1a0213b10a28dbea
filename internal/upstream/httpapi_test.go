package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

func chatOK(t *testing.T, w http.ResponseWriter, model, text string) {
	t.Helper()
	resp := gateway.ChatResponse{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Message: ptrMessage("assistant", text), FinishReason: "stop"}},
		Usage:   &gateway.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		t.Errorf("encode: %v", err)
	}
}

func ptrMessage(role, text string) *gateway.Message {
	m := gateway.TextMessage(role, text)
	return &m
}

func newTestHTTP(t *testing.T, handler http.HandlerFunc, cfg Config) *HTTPUpstream {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if cfg.Name == "" {
		cfg.Name = "testup"
	}
	u := NewHTTP(cfg, srv.URL, "sk-test", srv.Client())
	u.retryBase = time.Millisecond
	return u
}

func TestHTTPUpstream_Call(t *testing.T) {
	t.Parallel()

	var gotAuth atomic.Value
	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		gotAuth.Store(r.Header.Get("Authorization"))
		var req gateway.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != "real-model" {
			http.Error(w, "wrong model "+req.Model, http.StatusBadRequest)
			return
		}
		chatOK(t, w, req.Model, "hello back")
	}, Config{
		DefaultModel: "real-model",
		Aliases:      map[string]string{"alias": "real-model"},
	})

	resp, err := u.Call(context.Background(), "hi", &gateway.CallOptions{Model: "alias"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "hello back" || resp.Provider != "testup" || resp.Model != "real-model" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if gotAuth.Load() != "Bearer sk-test" {
		t.Fatalf("auth header = %v", gotAuth.Load())
	}
	if got := u.Quota().Snapshot().RequestCount; got != 1 {
		t.Fatalf("request count = %d", got)
	}
}

func TestHTTPUpstream_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		chatOK(t, w, "m", "third time lucky")
	}, Config{DefaultModel: "m", MaxRetries: 3})

	resp, err := u.Call(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "third time lucky" {
		t.Fatalf("text = %q", resp.Text)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPUpstream_NeverRetriesQuota(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limit", http.StatusTooManyRequests)
	}, Config{DefaultModel: "m", MaxRetries: 5})

	_, err := u.Call(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != KindQuota {
		t.Fatalf("kind = %v, want quota", Classify(err))
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, quota errors must not retry", calls.Load())
	}
}

func TestHTTPUpstream_RetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}, Config{DefaultModel: "m", MaxRetries: 2})

	_, err := u.Call(context.Background(), "hi", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want initial + 2 retries", calls.Load())
	}
}

func TestHTTPUpstream_CallStreamSSE(t *testing.T) {
	t.Parallel()

	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			http.Error(w, "expected stream request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hel", "lo ", "world"} {
			_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"` + chunk + `"}}]}` + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}, Config{DefaultModel: "m", SupportsStream: true})

	var sb strings.Builder
	ended := false
	sink := &gateway.StreamSink{
		OnChunk: func(text string) { sb.WriteString(text) },
		OnEnd:   func(time.Duration) { ended = true },
	}
	if err := u.CallStream(context.Background(), "hi", nil, sink); err != nil {
		t.Fatalf("CallStream: %v", err)
	}
	if sb.String() != "Hello world" {
		t.Fatalf("streamed = %q", sb.String())
	}
	if !ended {
		t.Fatal("OnEnd not called")
	}
}

func TestHTTPUpstream_CallStreamNDJSON(t *testing.T) {
	t.Parallel()

	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"response":"foo ","done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"response":"bar","done":true}` + "\n"))
	}, Config{DefaultModel: "m", SupportsStream: true})

	var sb strings.Builder
	sink := &gateway.StreamSink{OnChunk: func(text string) { sb.WriteString(text) }}
	if err := u.CallStream(context.Background(), "hi", nil, sink); err != nil {
		t.Fatalf("CallStream: %v", err)
	}
	if sb.String() != "foo bar" {
		t.Fatalf("streamed = %q", sb.String())
	}
}

func TestHTTPUpstream_CallStreamUnsupported(t *testing.T) {
	t.Parallel()

	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be reached")
	}, Config{DefaultModel: "m", SupportsStream: false})

	err := u.CallStream(context.Background(), "hi", nil, &gateway.StreamSink{OnChunk: func(string) {}})
	if !errors.Is(err, gateway.ErrStreamUnsupported) {
		t.Fatalf("err = %v, want ErrStreamUnsupported", err)
	}
}

func TestHTTPUpstream_ListModels(t *testing.T) {
	t.Parallel()

	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"m1"},{"id":"m2"}]}`))
	}, Config{DefaultModel: "m1"})

	ids, err := u.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("ids = %v", ids)
	}

	st := u.HealthCheck(context.Background())
	if !st.OK {
		t.Fatalf("health = %+v", st)
	}
}

func TestHTTPUpstream_CallHonorsTimeout(t *testing.T) {
	t.Parallel()

	u := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect
		// and cancel the request context; without this the handler (and
		// the server's Close in cleanup) would block forever.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}, Config{DefaultModel: "m", Timeouts: Timeouts{Total: time.Hour}})

	start := time.Now()
	_, err := u.Call(context.Background(), "hi", &gateway.CallOptions{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("caller timeout not applied")
	}
}
