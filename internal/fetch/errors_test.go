package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindOK},
		{name: "rate limited", err: &RateLimitedError{Provider: "collection"}, want: KindRateLimited},
		{name: "wrapped rate limited", err: fmt.Errorf("page 3: %w", &RateLimitedError{Provider: "collection"}), want: KindRateLimited},
		{name: "auth", err: &AuthError{Provider: "collection", StatusCode: 401}, want: KindAuth},
		{name: "context canceled", err: fmt.Errorf("get: %w", context.Canceled), want: KindAborted},
		{name: "aborted sentinel", err: ErrAborted, want: KindAborted},
		{name: "deadline is a failure", err: context.DeadlineExceeded, want: KindOther},
		{name: "status error", err: &StatusError{Provider: "lyrics", StatusCode: 500}, want: KindOther},
		{name: "plain error", err: errors.New("connection reset"), want: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &RateLimitedError{Provider: "p", RetryAfter: 90 * time.Second})
	if got := RetryAfter(err); got != 90*time.Second {
		t.Fatalf("RetryAfter() = %v, want 90s", got)
	}
	if got := RetryAfter(errors.New("x")); got != 0 {
		t.Fatalf("RetryAfter() = %v, want 0", got)
	}
}
