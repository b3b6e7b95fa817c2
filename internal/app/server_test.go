package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/renja-g/CrateSync/internal/config"
)

func newUpstream(t *testing.T, collection http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/digger/collection/releases", collection)
	mux.HandleFunc("/tags/lookup", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"url": "https://tags.example/%s", "tags": ["dub"], "score": 0.5}`, r.URL.Query().Get("title"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// pagedCollection serves pages of two releases each; release ids are
// page*100+1 and page*100+2.
func pagedCollection(pages int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
  "pagination": {"page": %[1]d, "pages": %[2]d, "items": %[3]d},
  "releases": [
    {"id": %[1]d01, "basic_information": {"title": "A%[1]d", "artists": [{"name": "X"}]}},
    {"id": %[1]d02, "basic_information": {"title": "B%[1]d", "artists": [{"name": "Y"}]}}
  ]
}`, page, pages, pages*2)
	}
}

func testConfig(upstream string) config.Config {
	return config.Config{
		Port:            0,
		ShutdownTimeout: time.Second,
		Collection: config.CollectionConfig{
			BaseURL:  upstream,
			Token:    "test-token",
			User:     "digger",
			PageSize: 2,
			Workers:  2,
			Cooldown: 10 * time.Millisecond,
		},
		Enrichment: config.EnrichmentConfig{
			Concurrency:  2,
			TickInterval: time.Millisecond,
			Cooldown:     10 * time.Millisecond,
			FreshnessTTL: time.Hour,
		},
		Providers: []config.ProviderConfig{
			{Name: "tags", BaseURL: upstream + "/tags"},
		},
		UpstreamTimeout: 5 * time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	srv, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rr, httptest.NewRequest(method, path, rd))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestServerFeatureFlagRoutes(t *testing.T) {
	tests := []struct {
		name                  string
		metricsEnabled        bool
		pprofEnabled          bool
		expectMetricsEndpoint bool
		expectPprofEndpoint   bool
	}{
		{
			name: "all optional endpoints disabled",
		},
		{
			name:                  "metrics endpoint enabled only",
			metricsEnabled:        true,
			expectMetricsEndpoint: true,
		},
		{
			name:                "pprof endpoint enabled only",
			pprofEnabled:        true,
			expectPprofEndpoint: true,
		},
		{
			name:                  "all optional endpoints enabled",
			metricsEnabled:        true,
			pprofEnabled:          true,
			expectMetricsEndpoint: true,
			expectPprofEndpoint:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1")
			cfg.MetricsEnabled = tt.metricsEnabled
			cfg.PprofEnabled = tt.pprofEnabled
			srv := newTestServer(t, cfg)

			if rr := do(t, srv, http.MethodGet, "/healthz", ""); rr.Code != http.StatusNoContent {
				t.Fatalf("expected /healthz status %d, got %d", http.StatusNoContent, rr.Code)
			}
			if rr := do(t, srv, http.MethodGet, "/swagger/openapi.json", ""); rr.Code != http.StatusOK {
				t.Fatalf("expected /swagger/openapi.json status 200, got %d", rr.Code)
			}

			metricsResp := do(t, srv, http.MethodGet, "/metrics", "")
			if tt.expectMetricsEndpoint {
				if metricsResp.Code != http.StatusOK {
					t.Fatalf("expected /metrics status 200, got %d", metricsResp.Code)
				}
				if !strings.Contains(metricsResp.Body.String(), "cratesync_http_requests_total") {
					t.Fatalf("expected request counter in /metrics output")
				}
			} else if metricsResp.Code != http.StatusNotFound {
				t.Fatalf("expected /metrics status 404, got %d", metricsResp.Code)
			}

			pprofResp := do(t, srv, http.MethodGet, "/debug/pprof/", "")
			if tt.expectPprofEndpoint {
				if pprofResp.Code != http.StatusOK {
					t.Fatalf("expected /debug/pprof/ status 200, got %d", pprofResp.Code)
				}
			} else if pprofResp.Code != http.StatusNotFound {
				t.Fatalf("expected /debug/pprof/ status 404, got %d", pprofResp.Code)
			}
		})
	}
}

type syncBody struct {
	State        string `json:"state"`
	PagesTotal   int    `json:"pages_total"`
	PagesDone    int    `json:"pages_done"`
	Releases     int    `json:"releases"`
	AuthRequired bool   `json:"auth_required"`
	Error        string `json:"error"`
}

func waitSync(t *testing.T, srv *Server, state string) syncBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := decode[syncBody](t, do(t, srv, http.MethodGet, "/v1/sync", ""))
		if got.State == state {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("sync state = %+v, want %q", got, state)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSyncAndItemsAPI(t *testing.T) {
	upstream := newUpstream(t, pagedCollection(3))
	srv := newTestServer(t, testConfig(upstream.URL))

	if got := decode[syncBody](t, do(t, srv, http.MethodGet, "/v1/sync", "")); got.State != "idle" {
		t.Fatalf("initial sync state = %q", got.State)
	}

	rr := do(t, srv, http.MethodPost, "/v1/sync", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/sync status = %d body=%s", rr.Code, rr.Body)
	}
	if got := decode[syncBody](t, rr); got.PagesTotal != 3 {
		t.Fatalf("start status = %+v", got)
	}

	done := waitSync(t, srv, "completed")
	if done.PagesDone != 3 || done.Releases != 6 {
		t.Fatalf("finished sync = %+v", done)
	}

	list := decode[struct {
		Count int `json:"count"`
	}](t, do(t, srv, http.MethodGet, "/v1/items", ""))
	if list.Count != 6 {
		t.Fatalf("item count = %d, want 6", list.Count)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		item := decode[struct {
			ID       int64 `json:"id"`
			Metadata []struct {
				Provider string `json:"provider"`
				Found    bool   `json:"found"`
			} `json:"metadata"`
		}](t, do(t, srv, http.MethodGet, "/v1/items/201", ""))
		if item.ID != 201 {
			t.Fatalf("item id = %d", item.ID)
		}
		if len(item.Metadata) == 1 && item.Metadata[0].Provider == "tags" && item.Metadata[0].Found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item metadata = %+v", item.Metadata)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if rr := do(t, srv, http.MethodGet, "/v1/items/999", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown item status = %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/v1/items/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodDelete, "/v1/sync", ""); rr.Code != http.StatusConflict {
		t.Fatalf("abort without session status = %d", rr.Code)
	}
}

func TestStartSyncUpstreamErrors(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		retryAfter     string
		wantCode       int
		wantRetryAfter string
		wantAuth       bool
	}{
		{
			name:     "credentials rejected",
			status:   http.StatusUnauthorized,
			wantCode: http.StatusBadGateway,
			wantAuth: true,
		},
		{
			name:           "throttled",
			status:         http.StatusTooManyRequests,
			retryAfter:     "30",
			wantCode:       http.StatusServiceUnavailable,
			wantRetryAfter: "30",
		},
		{
			name:     "server error",
			status:   http.StatusBadGateway,
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			})
			srv := newTestServer(t, testConfig(upstream.URL))

			rr := do(t, srv, http.MethodPost, "/v1/sync", "")
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantCode, rr.Body)
			}
			if got := rr.Header().Get("Retry-After"); got != tt.wantRetryAfter {
				t.Fatalf("Retry-After = %q, want %q", got, tt.wantRetryAfter)
			}
			body := decode[map[string]any](t, rr)
			if body["error"] == "" {
				t.Fatalf("missing error in %v", body)
			}
			if got, _ := body["auth_required"].(bool); got != tt.wantAuth {
				t.Fatalf("auth_required = %v, want %v", got, tt.wantAuth)
			}

			st := waitSync(t, srv, "failed")
			if st.AuthRequired != tt.wantAuth {
				t.Fatalf("sync status = %+v", st)
			}
		})
	}
}

func TestSetProvidersAPI(t *testing.T) {
	upstream := newUpstream(t, pagedCollection(1))
	srv := newTestServer(t, testConfig(upstream.URL))

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "invalid json", body: "{", wantCode: http.StatusBadRequest},
		{name: "missing list", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "invalid name", body: `{"providers": ["no such"]}`, wantCode: http.StatusBadRequest},
		{name: "unknown provider", body: `{"providers": ["lyrics"]}`, wantCode: http.StatusBadRequest},
		{name: "disable all", body: `{"providers": []}`, wantCode: http.StatusOK},
		{name: "enable tags", body: `{"providers": ["tags"]}`, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodPut, "/v1/enrichment/providers", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantCode, rr.Body)
			}
		})
	}

	st := decode[struct {
		Providers []string `json:"providers"`
		State     string   `json:"state"`
	}](t, do(t, srv, http.MethodGet, "/v1/enrichment", ""))
	if len(st.Providers) != 1 || st.Providers[0] != "tags" {
		t.Fatalf("providers = %v", st.Providers)
	}
}

func TestEnrichmentControlAPI(t *testing.T) {
	upstream := newUpstream(t, pagedCollection(1))
	srv := newTestServer(t, testConfig(upstream.URL))

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/v1/enrichment/reset"},
		{http.MethodPost, "/v1/enrichment/budget"},
		{http.MethodDelete, "/v1/enrichment"},
		{http.MethodPost, "/v1/enrichment/drain"},
	} {
		rr := do(t, srv, tc.method, tc.path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s %s status = %d body=%s", tc.method, tc.path, rr.Code, rr.Body)
		}
		st := decode[map[string]any](t, rr)
		if _, ok := st["session_id"]; !ok {
			t.Fatalf("%s %s: missing session_id in %v", tc.method, tc.path, st)
		}
	}
}
