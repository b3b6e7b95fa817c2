package transport

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter keeps one token bucket per upstream host. It sits below the
// schedulers as a last line of defence against misconfigured pacing.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewHostLimiter(rps float64, burst int) *HostLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until host may be called or ctx ends.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || host == "" {
		return nil
	}
	return l.limiter(host).Wait(ctx)
}

func (l *HostLimiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = lim
	}
	return lim
}

func WithHostRateLimit(base http.RoundTripper, l *HostLimiter) http.RoundTripper {
	if l == nil {
		return base
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if err := l.Wait(r.Context(), r.URL.Host); err != nil {
			return nil, err
		}
		return base.RoundTrip(r)
	})
}
