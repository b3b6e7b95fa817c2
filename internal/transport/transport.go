package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/renja-g/CrateSync/internal/config"
)

func New(cfg config.UpstreamTransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.DialKeepAlive,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     cfg.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
}

// Client assembles the upstream client shared by every provider: the pooled
// transport, the optional per-host limiter and the request timeout.
func Client(cfg config.UpstreamTransportConfig, timeout time.Duration) *http.Client {
	var rt http.RoundTripper = New(cfg)
	if cfg.HostRateLimit > 0 {
		rt = WithHostRateLimit(rt, NewHostLimiter(cfg.HostRateLimit, cfg.HostBurst))
	}
	return &http.Client{Transport: WithRequestTimeout(rt, timeout)}
}

func WithRequestTimeout(base http.RoundTripper, timeout time.Duration) http.RoundTripper {
	if timeout <= 0 {
		return base
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		resp, err := base.RoundTrip(r.Clone(ctx))
		if err != nil {
			cancel()
			return nil, err
		}
		// The deadline has to outlive RoundTrip while the body is read.
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	})
}

// WithHeader sets key on every outgoing request that does not already carry it.
func WithHeader(base http.RoundTripper, key, value string) http.RoundTripper {
	if value == "" {
		return base
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get(key) != "" {
			return base.RoundTrip(r)
		}
		req := r.Clone(r.Context())
		req.Header.Set(key, value)
		return base.RoundTrip(req)
	})
}

// UpstreamObserver receives one observation per completed round trip.
// statusCode is 0 when the request failed before a response arrived.
type UpstreamObserver interface {
	ObserveUpstream(provider string, statusCode int, d time.Duration)
}

func WithObserver(base http.RoundTripper, provider string, obs UpstreamObserver) http.RoundTripper {
	if obs == nil {
		return base
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := base.RoundTrip(r)
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		obs.ObserveUpstream(provider, code, time.Since(start))
		return resp, err
	})
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return fn(r)
}
