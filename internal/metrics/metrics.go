package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cratesync"

// Collector owns a private registry so tests and multiple instances never
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry
	handler  http.Handler

	httpRequests    *prometheus.CounterVec
	httpInflight    prometheus.Gauge
	requestDuration *prometheus.HistogramVec

	dispatches       *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	inflight         *prometheus.GaugeVec
	budgetRemaining  *prometheus.GaugeVec
	cooldowns        *prometheus.CounterVec
	cooldownSeconds  *prometheus.HistogramVec
	upstreamDuration *prometheus.HistogramVec
	upstreamStatus   *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests served, by route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_inflight",
			Help:      "API requests currently being served.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Items started by a scheduler.",
		}, []string{"scheduler"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcome_total",
			Help:      "Items retired by a scheduler, by outcome.",
		}, []string{"scheduler", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in a scheduler's pending queue.",
		}, []string{"scheduler"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight",
			Help:      "Items currently being fetched.",
		}, []string{"scheduler"}),
		budgetRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_remaining",
			Help:      "Attempts left in the session budget, -1 when unbounded.",
		}, []string{"scheduler"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_total",
			Help:      "Global pauses armed after provider throttling.",
		}, []string{"scheduler"}),
		cooldownSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cooldown_seconds",
			Help:      "Length of armed cooldowns.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"scheduler"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Provider round trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_responses_total",
			Help:      "Provider responses by status code; 0 means no response.",
		}, []string{"provider", "code"}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpInflight,
		c.requestDuration,
		c.dispatches,
		c.outcomes,
		c.queueDepth,
		c.inflight,
		c.budgetRemaining,
		c.cooldowns,
		c.cooldownSeconds,
		c.upstreamDuration,
		c.upstreamStatus,
	)
	c.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return c
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		c.httpInflight.Inc()
		defer c.httpInflight.Dec()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.handler.ServeHTTP(w, r)
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ObserveDispatch(scheduler string) {
	c.dispatches.WithLabelValues(scheduler).Inc()
}

func (c *Collector) ObserveOutcome(scheduler, outcome string) {
	c.outcomes.WithLabelValues(scheduler, outcome).Inc()
}

func (c *Collector) ObserveQueue(scheduler string, pending, active int) {
	c.queueDepth.WithLabelValues(scheduler).Set(float64(pending))
	c.inflight.WithLabelValues(scheduler).Set(float64(active))
}

func (c *Collector) ObserveBudget(scheduler string, remaining int) {
	c.budgetRemaining.WithLabelValues(scheduler).Set(float64(remaining))
}

func (c *Collector) ObserveCooldown(scheduler string, d time.Duration) {
	c.cooldowns.WithLabelValues(scheduler).Inc()
	c.cooldownSeconds.WithLabelValues(scheduler).Observe(d.Seconds())
}

func (c *Collector) ObserveUpstream(provider string, statusCode int, d time.Duration) {
	c.upstreamStatus.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	if statusCode > 0 {
		c.upstreamDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}
