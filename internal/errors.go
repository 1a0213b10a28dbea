package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrRateLimited        = errors.New("rate limited")
	ErrBudgetExceeded     = errors.New("token budget exceeded")
	ErrPromptBlocked      = errors.New("PROMPT_INJECTION_BLOCKED")
	ErrQuotaExhausted     = errors.New("upstream quota exhausted")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrAllQuotasExhausted = errors.New("all upstream quotas exhausted")
	ErrNoSecureUpstream   = errors.New("no secure provider available")
	ErrKeyExpired         = errors.New("api key expired")
	ErrKeyBlocked         = errors.New("api key blocked")
	ErrStreamUnsupported  = errors.New("streaming not supported")
)

// UpstreamError is a deterministic failure reported by a single upstream.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// AllFailedError is returned when every available upstream failed.
// It carries the per-upstream errors in attempt order.
type AllFailedError struct {
	Attempts []*UpstreamError
}

func (e *AllFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}
