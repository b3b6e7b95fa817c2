// Package swagger serves a Swagger UI for the CrateSync API.
package swagger

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

const (
	uiPath   = "/swagger/"
	specPath = "/swagger/openapi.json"
)

//go:embed openapi.json
var specJSON []byte

// Handler serves the UI and the embedded OpenAPI document, adjusted to the
// request host and the configured metadata providers.
type Handler struct {
	providers []string
}

func NewHandler(providers []string) *Handler {
	p := slices.Clone(providers)
	slices.Sort(p)
	return &Handler{providers: p}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case uiPath, "/swagger/index.html":
		h.serveUI(w)
	case specPath:
		h.serveOpenAPISpec(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveUI(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, swaggerUIHTML, specPath)
}

func (h *Handler) serveOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := json.Unmarshal(specJSON, &doc); err != nil {
		http.Error(w, "invalid embedded spec", http.StatusInternalServerError)
		return
	}

	rewriteServers(doc, r)
	setProviderEnum(doc, h.providers)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(doc); err != nil {
		http.Error(w, "cannot encode swagger spec", http.StatusInternalServerError)
	}
}

func rewriteServers(doc map[string]any, r *http.Request) {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		host = "localhost"
	}
	doc["servers"] = []any{
		map[string]any{"url": fmt.Sprintf("%s://%s", requestScheme(r), host)},
	}
}

// setProviderEnum restricts the ProviderName schema to the configured keys.
func setProviderEnum(doc map[string]any, providers []string) {
	if len(providers) == 0 {
		return
	}
	components, ok := doc["components"].(map[string]any)
	if !ok {
		return
	}
	schemas, ok := components["schemas"].(map[string]any)
	if !ok {
		return
	}
	name, ok := schemas["ProviderName"].(map[string]any)
	if !ok {
		return
	}
	enum := make([]any, len(providers))
	for i, p := range providers {
		enum[i] = p
	}
	name["enum"] = enum
}

func requestScheme(r *http.Request) string {
	if forwardedProto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); forwardedProto != "" {
		parts := strings.Split(forwardedProto, ",")
		if len(parts) > 0 {
			value := strings.TrimSpace(parts[0])
			if value != "" {
				return value
			}
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

const swaggerUIHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>CrateSync API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = function() {
        SwaggerUIBundle({url: "%s", dom_id: "#swagger-ui", deepLinking: true});
      };
    </script>
  </body>
</html>
`
