// Package provider holds the HTTP clients for the collection service and the
// supplementary metadata providers.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/renja-g/CrateSync/internal/fetch"
	"github.com/renja-g/CrateSync/internal/ratelimit"
)

const maxErrorBody = 512

// get issues a GET and decodes a 2xx JSON body into out. Failures are mapped
// onto the fetch error taxonomy.
func get(ctx context.Context, client *http.Client, provider, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return 0, fmt.Errorf("%s: %w", provider, ctxErr)
		}
		return 0, fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	if err := statusError(provider, resp, time.Now()); err != nil {
		return resp.StatusCode, err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return resp.StatusCode, nil
}

func statusError(provider string, resp *http.Response, now time.Time) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		wait, _ := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), now)
		_, _ = io.Copy(io.Discard, resp.Body)
		return &fetch.RateLimitedError{Provider: provider, RetryAfter: wait}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &fetch.AuthError{Provider: provider, StatusCode: code}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &fetch.StatusError{
			Provider:   provider,
			StatusCode: code,
			Message:    errorMessage(body),
		}
	}
}

// errorMessage extracts {"message": "..."} bodies, falling back to raw text.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
