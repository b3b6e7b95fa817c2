package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/renja-g/CrateSync/internal/scheduler"
	"github.com/renja-g/CrateSync/internal/transport"
)

var (
	_ scheduler.MetricsSink      = (*Collector)(nil)
	_ transport.UpstreamObserver = (*Collector)(nil)
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rr := httptest.NewRecorder()
	c.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsOutput(t *testing.T) {
	c := NewCollector()

	c.ObserveDispatch("enrichment")
	c.ObserveOutcome("enrichment", "completed")
	c.ObserveQueue("enrichment", 7, 2)
	c.ObserveBudget("enrichment", 193)
	c.ObserveCooldown("sync", time.Minute)
	c.ObserveUpstream("tags", 200, 100*time.Millisecond)
	c.ObserveUpstream("collection", 0, time.Second)

	body := scrape(t, c)

	expected := []string{
		`cratesync_dispatch_total{scheduler="enrichment"} 1`,
		`cratesync_outcome_total{outcome="completed",scheduler="enrichment"} 1`,
		`cratesync_queue_depth{scheduler="enrichment"} 7`,
		`cratesync_inflight{scheduler="enrichment"} 2`,
		`cratesync_budget_remaining{scheduler="enrichment"} 193`,
		`cratesync_cooldowns_total{scheduler="sync"} 1`,
		`cratesync_cooldown_seconds_bucket{scheduler="sync",le="60"} 1`,
		`cratesync_upstream_duration_seconds_count{provider="tags"} 1`,
		`cratesync_upstream_responses_total{code="0",provider="collection"} 1`,
		"go_goroutines",
		"process_resident_memory_bytes",
	}
	for _, metric := range expected {
		if !strings.Contains(body, metric) {
			t.Errorf("expected %q in output", metric)
		}
	}
	if strings.Contains(body, `cratesync_upstream_duration_seconds_count{provider="collection"}`) {
		t.Errorf("failed round trips must not feed the latency histogram")
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	c := NewCollector()

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"1", "2", "3"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/items/"+id, nil))
		if rr.Code != http.StatusTeapot {
			t.Fatalf("expected status 418, got %d", rr.Code)
		}
	}

	body := scrape(t, c)
	want := `cratesync_http_requests_total{method="GET",route="/v1/items/{id}",status_code="418"} 3`
	if !strings.Contains(body, want) {
		t.Errorf("expected %q in output:\n%s", want, body)
	}
	if !strings.Contains(body, "cratesync_request_duration_seconds") {
		t.Error("expected request duration histogram after middleware request")
	}
	if !strings.Contains(body, "cratesync_http_inflight 0") {
		t.Error("expected inflight gauge back at zero")
	}
}

func TestMiddlewareImplicitOK(t *testing.T) {
	c := NewCollector()
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	body := scrape(t, c)
	if !strings.Contains(body, `cratesync_http_requests_total{method="GET",route="unmatched",status_code="200"} 1`) {
		t.Errorf("unexpected output:\n%s", body)
	}
}
