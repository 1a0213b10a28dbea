package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind classifies an upstream failure for dispatch decisions.
type Kind int

const (
	// KindUpstream is a deterministic failure: same request would fail again.
	KindUpstream Kind = iota
	// KindQuota means the upstream is out of allowance; cool it down, never retry.
	KindQuota
	// KindRetryable is a transient transport-class failure worth retrying.
	KindRetryable
)

// APIError is an HTTP error response from an upstream.
type APIError struct {
	Upstream   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Upstream, e.StatusCode, e.Body)
}

// HTTPStatus returns the status code for classification and failover.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Upstream: name, StatusCode: resp.StatusCode, Body: string(body)}
}

var quotaMarkers = []string{
	"rate limit",
	"quota",
	"too many requests",
	"429",
	"capacity",
	"exceeded",
}

var retryableMarkers = []string{
	"timeout",
	"econnreset",
	"econnrefused",
	"network",
	"5xx",
}

// Classify maps an upstream error to a dispatch Kind. Status codes take
// precedence over message text: 429 is always quota, 5xx always retryable.
func Classify(err error) Kind {
	if err == nil {
		return KindUpstream
	}

	// Context errors first: "context deadline exceeded" would otherwise
	// trip the "exceeded" quota marker.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRetryable
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return KindQuota
		case apiErr.StatusCode >= 500:
			return KindRetryable
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return KindQuota
		}
	}
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return KindRetryable
		}
	}
	return KindUpstream
}
