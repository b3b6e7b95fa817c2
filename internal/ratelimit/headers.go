package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter interprets a Retry-After header value as a wait relative to
// now. Both delta-seconds and HTTP-date forms are accepted.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, false
	}

	seconds, err := strconv.Atoi(trimmed)
	if err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}

	retryAt, err := http.ParseTime(trimmed)
	if err != nil {
		return 0, false
	}

	waitFor := retryAt.Sub(now)
	if waitFor < 0 {
		return 0, true
	}
	return waitFor, true
}
