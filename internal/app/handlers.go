package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/renja-g/CrateSync/internal/fetch"
	"github.com/renja-g/CrateSync/internal/library"
	"github.com/renja-g/CrateSync/internal/provider"
	"github.com/renja-g/CrateSync/internal/store"
)

type api struct {
	lib      *library.Service
	log      *slog.Logger
	validate *validator.Validate
}

func (a *api) routes(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		r.Get("/", a.syncStatus)
		r.Post("/", a.startSync)
		r.Delete("/", a.abortSync)
	})
	r.Route("/enrichment", func(r chi.Router) {
		r.Get("/", a.enrichmentStatus)
		r.Delete("/", a.abortEnrichment)
		r.Post("/reset", a.resetEnrichment)
		r.Post("/budget", a.refundBudget)
		r.Post("/drain", a.drainEnrichment)
		r.Put("/providers", a.setProviders)
	})
	r.Get("/items", a.listItems)
	r.Get("/items/{id}", a.getItem)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// upstreamError maps a provider failure that reached the caller.
func (a *api) upstreamError(w http.ResponseWriter, err error) {
	switch fetch.Classify(err) {
	case fetch.KindRateLimited:
		if d := fetch.RetryAfter(err); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.Round(time.Second)/time.Second)))
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case fetch.KindAuth:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "auth_required": true})
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (a *api) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.lib.SyncStatus())
}

func (a *api) startSync(w http.ResponseWriter, r *http.Request) {
	st, err := a.lib.StartSync(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, st)
	case errors.Is(err, library.ErrSyncRunning):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "sync": st})
	case errors.Is(err, library.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.upstreamError(w, err)
	}
}

func (a *api) abortSync(w http.ResponseWriter, r *http.Request) {
	st, err := a.lib.AbortSync(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, library.ErrNoSync):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	}
}

func (a *api) enrichmentStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.lib.EnrichmentStatus())
}

func (a *api) abortEnrichment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.lib.AbortEnrichment())
}

func (a *api) resetEnrichment(w http.ResponseWriter, r *http.Request) {
	st, err := a.lib.ResetEnrichment(r.Context())
	if err != nil {
		a.log.Error("enrichment_reset_failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) refundBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.lib.RefundBudget())
}

func (a *api) drainEnrichment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.lib.DrainEnrichment())
}

type providersRequest struct {
	Providers []string `json:"providers" validate:"dive,required,alphanum"`
}

func (a *api) setProviders(w http.ResponseWriter, r *http.Request) {
	var req providersRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Providers == nil {
		writeError(w, http.StatusBadRequest, "providers is required")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider name")
		return
	}

	st, err := a.lib.SetProviders(r.Context(), req.Providers)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("enrichment_providers_failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *api) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.lib.Items(r.Context())
	if err != nil {
		a.log.Error("items_list_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list items")
		return
	}
	if items == nil {
		items = []provider.Release{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *api) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	item, err := a.lib.Item(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, item)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	default:
		a.log.Error("item_get_failed", "item", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load item")
	}
}
