// Package gateway defines domain types and interfaces for the modelmux LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// --- Core request/response ---

// Response is the result of a single upstream call.
type Response struct {
	Model      string `json:"model"`
	Text       string `json:"response"`
	Provider   string `json:"provider"`
	DurationMs int64  `json:"duration_ms"`
	Cached     bool   `json:"cached"`
	Usage      *Usage `json:"usage,omitempty"`
}

// CallOptions are the per-call knobs recognized by every upstream adapter.
type CallOptions struct {
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Timeout     time.Duration     `json:"-"`
	UserID      string            `json:"user_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TaskType    string            `json:"task_type,omitempty"` // explicit override, bypasses detection
	UseCache    *bool             `json:"use_cache,omitempty"` // nil = use cache
}

// CacheEnabled reports whether caching applies (defaults to true when unset).
func (o *CallOptions) CacheEnabled() bool {
	return o == nil || o.UseCache == nil || *o.UseCache
}

// StreamSink receives chunks from a streaming upstream call.
// Adapters push chunks; backpressure is delegated to the sink's writer.
type StreamSink struct {
	OnChunk func(text string)
	OnEnd   func(duration time.Duration)
	OnError func(err error)
}

// --- OpenAI dialect ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	User        string    `json:"user,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentText returns the message content as plain text. String content is
// unquoted; array-of-parts content is returned raw.
func (m *Message) ContentText() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// TextMessage builds a Message with plain string content.
func TextMessage(role, text string) Message {
	b, _ := json.Marshal(text)
	return Message{Role: role, Content: b}
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Multi-tenant identity ---

// Tenant represents a top-level account that owns API keys.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey represents an API key for authentication.
type APIKey struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix  string     `json:"key_prefix"` // first 8 chars for display
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name,omitempty"`
	Admin      bool       `json:"admin"`
	RateLimit  int64      `json:"rate_limit,omitempty"`  // requests per window, 0 = default
	TokenLimit int64      `json:"token_limit,omitempty"` // budget tokens per period, 0 = unlimited
	CostLimit  float64    `json:"cost_limit,omitempty"`  // budget USD per period, 0 = unlimited
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Blocked    bool       `json:"blocked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Webhook is a tenant-registered callback endpoint for budget events.
type Webhook struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"` // "budget.warning", "budget.exceeded"
	CreatedAt time.Time `json:"created_at"`
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	KeyID      string  `json:"key_id"`
	KeyPrefix  string  `json:"key_prefix"`
	TenantID   string  `json:"tenant_id"`
	Admin      bool    `json:"admin"`
	RateLimit  int64   `json:"-"` // per-key request limit (0 = default)
	TokenLimit int64   `json:"-"` // budget token limit (0 = unlimited)
	CostLimit  float64 `json:"-"` // budget cost limit USD (0 = unlimited)
}

// UsageRecord represents a single API usage event.
type UsageRecord struct {
	ID               string    `json:"id"`
	KeyID            string    `json:"key_id"`
	TenantID         string    `json:"tenant_id"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd,omitempty"`
	Cached           bool      `json:"cached"`
	LatencyMs        int       `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	RequestID        string    `json:"request_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all modelmux API keys.
const APIKeyPrefix = "mmx_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// NewRequestID returns an 8-hex-character request ID (UUIDv4 prefix).
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
