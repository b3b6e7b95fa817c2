package swagger

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHandlerServeUI(t *testing.T) {
	handler := NewHandler(nil)

	for _, path := range []string{"/swagger/", "/swagger/index.html"} {
		req := httptest.NewRequest(http.MethodGet, "http://crates.local"+path, nil)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusOK, resp.Code)
		}
		if !strings.Contains(resp.Header().Get("Content-Type"), "text/html") {
			t.Fatalf("%s: expected HTML content type, got %q", path, resp.Header().Get("Content-Type"))
		}
		if !strings.Contains(resp.Body.String(), specPath) {
			t.Fatalf("%s: expected UI to reference %q", path, specPath)
		}
	}
}

func serveSpec(t *testing.T, h *Handler, req *http.Request) map[string]any {
	t.Helper()
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d, body=%q", http.StatusOK, resp.Code, resp.Body.String())
	}
	var doc map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return doc
}

func serverURL(t *testing.T, doc map[string]any) string {
	t.Helper()
	servers, ok := doc["servers"].([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("expected exactly one server, got %+v", doc["servers"])
	}
	server, ok := servers[0].(map[string]any)
	if !ok {
		t.Fatalf("expected server object, got %#v", servers[0])
	}
	url, _ := server["url"].(string)
	return url
}

func TestHandlerServeOpenAPISpec(t *testing.T) {
	tests := []struct {
		name    string
		req     func() *http.Request
		wantURL string
	}{
		{
			name: "plain http",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "http://crates.local:8985/swagger/openapi.json", nil)
			},
			wantURL: "http://crates.local:8985",
		},
		{
			name: "forwarded proto",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "http://crates.local/swagger/openapi.json", nil)
				r.Header.Set("X-Forwarded-Proto", "https, http")
				return r
			},
			wantURL: "https://crates.local",
		},
		{
			name: "tls",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "https://crates.local/swagger/openapi.json", nil)
				r.TLS = &tls.ConnectionState{}
				return r
			},
			wantURL: "https://crates.local",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := serveSpec(t, NewHandler(nil), tt.req())
			if got := serverURL(t, doc); got != tt.wantURL {
				t.Fatalf("server url = %q, want %q", got, tt.wantURL)
			}
			paths, _ := doc["paths"].(map[string]any)
			for _, p := range []string{"/v1/sync", "/v1/enrichment/providers", "/v1/items/{id}"} {
				if _, ok := paths[p]; !ok {
					t.Errorf("missing path %s", p)
				}
			}
		})
	}
}

func TestHandlerProviderEnum(t *testing.T) {
	h := NewHandler([]string{"tags", "covers"})
	doc := serveSpec(t, h, httptest.NewRequest(http.MethodGet, "http://crates.local/swagger/openapi.json", nil))

	schema := doc["components"].(map[string]any)["schemas"].(map[string]any)["ProviderName"].(map[string]any)
	if diff := cmp.Diff([]any{"covers", "tags"}, schema["enum"]); diff != "" {
		t.Fatalf("provider enum mismatch (-want +got):\n%s", diff)
	}

	plain := serveSpec(t, NewHandler(nil), httptest.NewRequest(http.MethodGet, "http://crates.local/swagger/openapi.json", nil))
	plainSchema := plain["components"].(map[string]any)["schemas"].(map[string]any)["ProviderName"].(map[string]any)
	if _, ok := plainSchema["enum"]; ok {
		t.Fatalf("enum set without providers: %v", plainSchema)
	}
}

func TestHandlerNotFound(t *testing.T) {
	resp := httptest.NewRecorder()
	NewHandler(nil).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "http://crates.local/swagger/missing", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}
