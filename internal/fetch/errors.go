// Package fetch defines the failure taxonomy shared by provider clients and
// the schedulers that call them.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited marks a provider throttling response.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuth marks rejected credentials. It is fatal for a session.
	ErrAuth = errors.New("credentials rejected")
	// ErrAborted marks work cancelled by its session.
	ErrAborted = errors.New("aborted")
)

type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Provider, e.RetryAfter)
	}
	return e.Provider + ": rate limited"
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type AuthError struct {
	Provider   string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: credentials rejected (http %d)", e.Provider, e.StatusCode)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// StatusError is an unexpected upstream response.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Provider, e.StatusCode)
}

// Kind is the scheduling-relevant class of a fetch result.
type Kind uint8

const (
	KindOK Kind = iota
	KindRateLimited
	KindAuth
	KindAborted
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindAborted:
		return "aborted"
	default:
		return "other"
	}
}

// Classify maps a fetch error onto its Kind. Context cancellation counts as
// an abort; deadline expiry is an ordinary failure.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuth):
		return KindAuth
	default:
		return KindOther
	}
}

// RetryAfter extracts the provider's requested wait, if any.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
