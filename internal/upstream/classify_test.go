package upstream

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUpstream},
		{"rate limit text", errors.New("Rate Limit hit"), KindQuota},
		{"quota text", errors.New("monthly quota used up"), KindQuota},
		{"too many requests", errors.New("too many requests"), KindQuota},
		{"429 status", &APIError{Upstream: "a", StatusCode: 429, Body: "slow down"}, KindQuota},
		{"capacity", errors.New("at capacity"), KindQuota},
		{"exceeded", errors.New("limit exceeded"), KindQuota},
		{"timeout text", errors.New("i/o timeout"), KindRetryable},
		{"econnreset", errors.New("read: ECONNRESET"), KindRetryable},
		{"econnrefused", errors.New("dial: econnrefused"), KindRetryable},
		{"network", errors.New("network unreachable"), KindRetryable},
		{"500 status", &APIError{Upstream: "a", StatusCode: 500, Body: "oops"}, KindRetryable},
		{"503 status", &APIError{Upstream: "a", StatusCode: 503, Body: "down"}, KindRetryable},
		{"400 status", &APIError{Upstream: "a", StatusCode: 400, Body: "bad"}, KindUpstream},
		{"plain", errors.New("model not found"), KindUpstream},
		{"wrapped 429", fmt.Errorf("call: %w", &APIError{Upstream: "a", StatusCode: 429}), KindQuota},
		{"ctx deadline", fmt.Errorf("do request: %w", context.DeadlineExceeded), KindRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
