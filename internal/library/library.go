// Package library keeps the local mirror of a collection in step with its
// upstream: a sync session pulls collection pages through a worker pool and
// every written release is queued for metadata enrichment.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/renja-g/CrateSync/internal/config"
	"github.com/renja-g/CrateSync/internal/freshness"
	"github.com/renja-g/CrateSync/internal/provider"
	"github.com/renja-g/CrateSync/internal/scheduler"
	"github.com/renja-g/CrateSync/internal/store"
)

const (
	syncScheduler   = "sync"
	enrichScheduler = "enrichment"

	writeTimeout = 10 * time.Second
)

var (
	ErrSyncRunning = errors.New("sync already running")
	ErrSyncAborted = errors.New("sync aborted")
	ErrNoSync      = errors.New("no sync session")
	ErrClosed      = errors.New("library closed")
)

// Collection pages through the user's collection.
type Collection interface {
	FetchPage(ctx context.Context, page int) (provider.Page, error)
}

// Metadata looks up supplementary data per provider key. A nil result with a
// nil error means the provider has nothing for the release.
type Metadata interface {
	FetchMetadata(ctx context.Context, r provider.Release, provider string) (*provider.Metadata, error)
	Names() []string
}

type Options struct {
	Collection config.CollectionConfig
	Enrichment config.EnrichmentConfig

	// Providers are the metadata providers enabled at start. Nil enables
	// every provider Metadata knows.
	Providers []string

	Clock   clock.WithTicker
	Logger  *slog.Logger
	Metrics scheduler.MetricsSink
}

type Service struct {
	opts       Options
	store      store.Store
	collection Collection
	metadata   Metadata
	fresh      freshness.Oracle
	clock      clock.WithTicker
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	enrich *scheduler.Dispatcher[int64, *provider.Metadata]
	writer *metadataWriter

	mu        sync.Mutex
	providers []string
	session   *syncSession
	closed    bool
}

func New(st store.Store, collection Collection, metadata Metadata, opts Options) (*Service, error) {
	if st == nil || collection == nil || metadata == nil {
		return nil, fmt.Errorf("library: store, collection and metadata are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		opts:       opts,
		store:      st,
		collection: collection,
		metadata:   metadata,
		fresh:      freshness.Oracle{TTL: opts.Enrichment.FreshnessTTL, Clock: opts.Clock},
		clock:      opts.Clock,
		log:        opts.Logger,
	}
	if s.fresh.TTL <= 0 {
		s.fresh.TTL = freshness.DefaultTTL
	}

	providers := opts.Providers
	if providers == nil {
		providers = metadata.Names()
	}
	if err := s.setProviders(providers); err != nil {
		return nil, err
	}

	s.writer = newMetadataWriter(st, opts.Logger)
	enrich, err := scheduler.NewDispatcher(scheduler.DispatcherConfig[int64, *provider.Metadata]{
		Name:         enrichScheduler,
		Fetch:        s.fetchMetadata,
		Sink:         scheduler.SinkFunc[int64, *provider.Metadata](s.writeMetadata),
		Concurrency:  opts.Enrichment.Concurrency,
		RateLimit:    opts.Enrichment.RateLimit,
		RateWindow:   opts.Enrichment.RateWindow,
		TickInterval: opts.Enrichment.TickInterval,
		Budget:       opts.Enrichment.Budget,
		Cooldown:     opts.Enrichment.Cooldown,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		s.writer.close()
		return nil, fmt.Errorf("library: enrichment: %w", err)
	}
	s.enrich = enrich
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Close aborts any sync, stops enrichment and flushes pending metadata writes.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess := s.session
	s.mu.Unlock()

	if sess != nil {
		sess.abort(ErrClosed)
		<-sess.done
	}
	err := s.enrich.Close()
	s.writer.close()
	s.cancel()
	return err
}

// Providers returns the enabled metadata providers.
func (s *Service) Providers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.providers)
}

func (s *Service) setProviders(names []string) error {
	known := s.metadata.Names()
	enabled := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(known, n) {
			return fmt.Errorf("%w: %q", provider.ErrUnknownProvider, n)
		}
		enabled = append(enabled, n)
	}
	slices.Sort(enabled)
	enabled = slices.Compact(enabled)

	s.mu.Lock()
	s.providers = enabled
	s.mu.Unlock()
	return nil
}

// Item is a release with its metadata checks.
type Item struct {
	provider.Release
	Metadata []ItemMetadata `json:"metadata"`
}

type ItemMetadata struct {
	Provider  string             `json:"provider"`
	Found     bool               `json:"found"`
	Fresh     bool               `json:"fresh"`
	CheckedAt time.Time          `json:"checked_at"`
	Data      *provider.Metadata `json:"data,omitempty"`
}

func (s *Service) Items(ctx context.Context) ([]provider.Release, error) {
	return s.store.Releases(ctx)
}

// Item returns the release and every recorded metadata check for it.
func (s *Service) Item(ctx context.Context, id int64) (Item, error) {
	r, err := s.store.Release(ctx, id)
	if err != nil {
		return Item{}, err
	}
	recs, err := s.store.Metadata(ctx, id)
	if err != nil {
		return Item{}, err
	}
	it := Item{Release: r, Metadata: make([]ItemMetadata, 0, len(recs))}
	for _, rec := range recs {
		it.Metadata = append(it.Metadata, ItemMetadata{
			Provider:  rec.Provider,
			Found:     rec.Metadata != nil,
			Fresh:     s.fresh.Fresh(rec.CheckedAt, true),
			CheckedAt: rec.CheckedAt,
			Data:      rec.Metadata,
		})
	}
	return it, nil
}
