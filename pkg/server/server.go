// Package server provides the public entry point for initializing the
// QueryHive discovery engine server.
//
// This package exists in pkg/ (not internal/) so the surrounding platform
// can embed the engine and compose the server with its own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/internal/api"
	"github.com/queryhive/queryhive/discovery-engine/internal/api/handlers"
	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/internal/embeddings"
	"github.com/queryhive/queryhive/discovery-engine/internal/events"
	"github.com/queryhive/queryhive/discovery-engine/internal/health"
	"github.com/queryhive/queryhive/discovery-engine/internal/history"
	"github.com/queryhive/queryhive/discovery-engine/internal/matcher"
	"github.com/queryhive/queryhive/discovery-engine/internal/querycache"
	"github.com/queryhive/queryhive/discovery-engine/internal/registry"
	"github.com/queryhive/queryhive/discovery-engine/internal/scorer"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/internal/syncer"
	"github.com/queryhive/queryhive/discovery-engine/internal/telemetry"
	"github.com/queryhive/queryhive/discovery-engine/internal/vectorindex"
	"github.com/queryhive/queryhive/discovery-engine/pkg/contracts"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

const (
	healthInterval = 5 * time.Minute
	rollupInterval = 15 * time.Minute
)

// Server holds the initialized discovery engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory by default).
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// Monitor is exposed so the embedding platform can register probers
	// per resource type before Start.
	Monitor *health.Monitor

	shutdownFuncs []func(context.Context) error
}

// New initializes all engine components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Discovery.Validate(); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	live := config.NewLive(cfg.Discovery)

	otelShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore()
	log.Info().Msg("In-memory store initialized")

	var index vectorindex.Index
	var closeIndex func()
	if cfg.DatabaseURL != "" {
		dims := embeddings.ModelDimensions(cfg.Discovery.EmbeddingModel)
		pg, err := vectorindex.NewPgvectorIndex(ctx, cfg.DatabaseURL, dims)
		if err != nil {
			return nil, fmt.Errorf("init pgvector index: %w", err)
		}
		index = pg
		closeIndex = pg.Close
		log.Info().Int("dimensions", dims).Msg("pgvector index initialized")
	} else {
		index = vectorindex.NewMemoryIndex()
		log.Info().Msg("In-memory vector index initialized")
	}

	bus := events.NewMemoryBus()

	drivers := embeddings.NewRegistry()
	registerDrivers(drivers, cfg)
	pipeline := embeddings.NewPipeline(drivers)

	reg := registry.New(dataStore, index, bus)
	sc := scorer.New(live)
	cache := querycache.New(time.Duration(cfg.Discovery.CacheTTLSeconds) * time.Second)
	recorder := history.NewRecorder(dataStore)
	match := matcher.New(dataStore, index, pipeline, sc, cache, recorder, live)

	scheduler := syncer.New(dataStore, index, pipeline, live, bus)
	scheduler.SetInvalidator(cache)
	reg.SetInvalidator(cache)

	monitor := health.NewMonitor(dataStore, live)
	rollup := history.NewRollup(dataStore, 7)

	scheduler.StartAutoSync(ctx)
	monitor.Start(ctx, healthInterval)
	rollup.Start(ctx, rollupInterval)

	h := handlers.New(dataStore, reg, match, scheduler, live)
	router := api.NewRouter(cfg, h)

	srv := &Server{
		Handler: router,
		Store:   dataStore,
		Port:    cfg.Port,
		Monitor: monitor,
	}
	srv.shutdownFuncs = []func(context.Context) error{
		func(context.Context) error { scheduler.Stop(); return nil },
		func(context.Context) error { monitor.Stop(); return nil },
		func(context.Context) error { recorder.Close(); return nil },
		func(context.Context) error { cache.Stop(); return nil },
		func(context.Context) error { bus.Close(); return nil },
		func(context.Context) error {
			if closeIndex != nil {
				closeIndex()
			}
			return nil
		},
		otelShutdown,
	}
	return srv, nil
}

// Shutdown stops background work and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range s.shutdownFuncs {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func registerDrivers(r *embeddings.Registry, cfg *config.Config) {
	if cfg.OpenAIAPIKey != "" {
		for _, model := range []string{"text-embedding-3-small", "text-embedding-3-large"} {
			r.Register(model, embeddings.NewOpenAIDriver(cfg.OpenAIAPIKey, model))
		}
	}
	if cfg.OllamaEndpoint != "" {
		for _, model := range []string{"nomic-embed-text", "mxbai-embed-large", "all-minilm"} {
			r.Register(model, embeddings.NewOllamaDriver(cfg.OllamaEndpoint, model))
		}
	}
	if len(r.List()) == 0 {
		log.Warn().Msg("No embedding drivers configured, discovery will fail until one is registered")
	}
}

// RegisterProber forwards to the health monitor so callers need not import
// internal packages.
func (s *Server) RegisterProber(t models.ResourceType, p contracts.Prober) {
	s.Monitor.RegisterProber(t, p)
}
