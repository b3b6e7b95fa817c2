package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/renja-g/CrateSync/internal/config"
	"github.com/renja-g/CrateSync/internal/library"
	"github.com/renja-g/CrateSync/internal/metrics"
	"github.com/renja-g/CrateSync/internal/provider"
	"github.com/renja-g/CrateSync/internal/scheduler"
	"github.com/renja-g/CrateSync/internal/store"
	"github.com/renja-g/CrateSync/internal/swagger"
	"github.com/renja-g/CrateSync/internal/transport"
)

type Server struct {
	cfg     config.Config
	log     *slog.Logger
	server  *http.Server
	store   store.Store
	library *library.Service

	shutdown sync.Once
	stopErr  error
}

// New wires the store, provider clients and library service behind the HTTP
// API. ctx bounds store setup only.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		collector *metrics.Collector
		observer  transport.UpstreamObserver
		sink      scheduler.MetricsSink
	)
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
		observer = collector
		sink = collector
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := transport.Client(cfg.UpstreamTransport, cfg.UpstreamTimeout)
	collection := provider.NewCollectionClient(
		cfg.Collection.BaseURL,
		cfg.Collection.User,
		cfg.Collection.Token,
		cfg.Collection.PageSize,
		client,
		observer,
	)
	clients := make([]*provider.MetadataClient, 0, len(cfg.Providers))
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		clients = append(clients, provider.NewMetadataClient(p.Name, p.BaseURL, p.Token, client, observer))
		names = append(names, p.Name)
	}

	lib, err := library.New(st, collection, provider.NewMetadataSet(clients...), library.Options{
		Collection: cfg.Collection,
		Enrichment: cfg.Enrichment,
		Logger:     logger,
		Metrics:    sink,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create library: %w", err)
	}

	a := &api{
		lib:      lib,
		log:      logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	if collector != nil {
		r.Use(collector.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/v1", a.routes)
	r.Handle("/swagger/*", swagger.NewHandler(names))
	if collector != nil {
		r.Method(http.MethodGet, "/metrics", collector)
	}
	if cfg.PprofEnabled {
		r.Mount("/debug", chimw.Profiler())
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	return &Server{
		cfg:     cfg,
		log:     logger,
		server:  srv,
		store:   st,
		library: lib,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(2 * cfg.Enrichment.FreshnessTTL), nil
	}
	st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// Start serves until ctx ends, then shuts down within ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("server_listening",
			"addr", s.server.Addr,
			"collection_user", s.cfg.Collection.User,
			"providers", s.library.Providers(),
		)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(stopCtx)
	})
	return g.Wait()
}

// Shutdown stops the listener, aborts scheduler work and closes the store.
// Later calls return the first call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		start := time.Now()
		var errs []error
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.library.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
		s.stopErr = errors.Join(errs...)
		s.log.Info("server_stopped", "duration_ms", time.Since(start).Milliseconds())
	})
	return s.stopErr
}
