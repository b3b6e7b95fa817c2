package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/renja-g/CrateSync/internal/fetch"
	"github.com/renja-g/CrateSync/internal/provider"
	"github.com/renja-g/CrateSync/internal/scheduler"
	"github.com/renja-g/CrateSync/internal/store"
)

type EnrichmentStatus struct {
	SessionID       uuid.UUID  `json:"session_id"`
	Epoch           uint64     `json:"epoch"`
	State           string     `json:"state"`
	Providers       []string   `json:"providers"`
	Pending         int        `json:"pending"`
	Active          int        `json:"active"`
	Done            int        `json:"done"`
	Completed       int        `json:"completed"`
	Dropped         int        `json:"dropped"`
	Throttled       int        `json:"throttled"`
	BudgetRemaining int        `json:"budget_remaining"`
	PausedUntil     *time.Time `json:"paused_until,omitempty"`
	Error           string     `json:"error,omitempty"`
	AuthRequired    bool       `json:"auth_required,omitempty"`
}

func (s *Service) enrichmentStatus(st scheduler.Status[int64]) EnrichmentStatus {
	out := EnrichmentStatus{
		SessionID:       st.SessionID,
		Epoch:           st.Epoch,
		State:           st.State.String(),
		Providers:       s.Providers(),
		Pending:         len(st.Pending),
		Active:          st.Active,
		Done:            st.Done,
		Completed:       st.Stats.Completed,
		Dropped:         st.Stats.Dropped,
		Throttled:       st.Stats.Throttled,
		BudgetRemaining: st.BudgetRemaining,
	}
	if !st.PausedUntil.IsZero() {
		t := st.PausedUntil
		out.PausedUntil = &t
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
		out.AuthRequired = errors.Is(st.Err, fetch.ErrAuth)
	}
	return out
}

func (s *Service) EnrichmentStatus() EnrichmentStatus {
	return s.enrichmentStatus(s.enrich.Status())
}

// AbortEnrichment forgets queued and in-flight enrichment work.
func (s *Service) AbortEnrichment() EnrichmentStatus {
	return s.enrichmentStatus(s.enrich.Abort())
}

// ResetEnrichment starts a fresh enrichment session with a full budget and
// queues every release whose metadata is stale.
func (s *Service) ResetEnrichment(ctx context.Context) (EnrichmentStatus, error) {
	s.enrich.Reset()
	if err := s.requeueStale(ctx); err != nil {
		return s.EnrichmentStatus(), err
	}
	return s.EnrichmentStatus(), nil
}

// SetProviders changes the enabled providers. Eligibility changes with it, so
// the enrichment session is reset and stale releases are queued again.
func (s *Service) SetProviders(ctx context.Context, names []string) (EnrichmentStatus, error) {
	if err := s.setProviders(names); err != nil {
		return s.EnrichmentStatus(), err
	}
	s.log.Info("enrichment_providers_changed", "providers", s.Providers())
	return s.ResetEnrichment(ctx)
}

// RefundBudget restores the session budget without dropping queued work.
func (s *Service) RefundBudget() EnrichmentStatus {
	return s.enrichmentStatus(s.enrich.ResetBudget())
}

// DrainEnrichment stops intake; queued work still runs.
func (s *Service) DrainEnrichment() EnrichmentStatus {
	return s.enrichmentStatus(s.enrich.Drain())
}

func (s *Service) fetchMetadata(ctx context.Context, id int64, prov string) (*provider.Metadata, error) {
	r, err := s.store.Release(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load release %d: %w", id, err)
	}
	return s.metadata.FetchMetadata(ctx, r, prov)
}

// writeMetadata runs on the dispatcher loop and only hands the record to the
// writer.
func (s *Service) writeMetadata(id int64, prov string, md *provider.Metadata) {
	s.writer.put(store.MetadataRecord{
		ReleaseID: id,
		Provider:  prov,
		Metadata:  md,
		CheckedAt: s.clock.Now().UTC(),
	})
}

// staleProviders returns the enabled providers whose last check for id is
// missing or expired.
func (s *Service) staleProviders(ctx context.Context, id int64, providers []string) []string {
	var stale []string
	for _, p := range providers {
		at, ok, err := s.store.LastChecked(ctx, id, p)
		if err != nil {
			s.log.Warn("freshness_lookup_failed", "item", id, "provider", p, "error", err)
		}
		if !s.fresh.Fresh(at, ok) {
			stale = append(stale, p)
		}
	}
	return stale
}

// enqueueStale queues releases for the providers they are stale for and
// reports how many were added.
func (s *Service) enqueueStale(ctx context.Context, releases []provider.Release) (int, error) {
	providers := s.Providers()
	if len(providers) == 0 {
		return 0, nil
	}
	items := make([]scheduler.WorkItem[int64], 0, len(releases))
	for _, r := range releases {
		if stale := s.staleProviders(ctx, r.ID, providers); len(stale) > 0 {
			items = append(items, scheduler.WorkItem[int64]{ID: r.ID, Providers: stale})
		}
	}
	if len(items) == 0 {
		return 0, nil
	}
	return s.enrich.EnqueueItems(ctx, items...)
}

func (s *Service) requeueStale(ctx context.Context) error {
	releases, err := s.store.Releases(ctx)
	if err != nil {
		return fmt.Errorf("list releases: %w", err)
	}
	n, err := s.enqueueStale(ctx, releases)
	if err != nil {
		return fmt.Errorf("enqueue enrichment: %w", err)
	}
	s.log.Info("enrichment_requeued", "releases", len(releases), "queued", n)
	return nil
}
