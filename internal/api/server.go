package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/crossbard/internal/action"
	"github.com/mattjoyce/crossbard/internal/auth"
	"github.com/mattjoyce/crossbard/internal/config"
	"github.com/mattjoyce/crossbard/internal/events"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/runlog"
	"github.com/mattjoyce/crossbard/internal/scheduler"
	"github.com/mattjoyce/crossbard/internal/store"
)

// Snapshots reads the published store.
type Snapshots interface {
	Get(id string) (store.Record, bool)
	ListIDs() []string
}

// Scheduler exposes runtime state and manual refresh.
type Scheduler interface {
	Status(id string) (scheduler.Status, bool)
	Statuses() []scheduler.Status
	RequestRefresh(id string) error
}

// Registry exposes the discovered producer set.
type Registry interface {
	Current() producer.Set
	Get(id string) (producer.Spec, bool)
	Rediscover(ctx context.Context) (producer.Pass, error)
}

// RunHistory reads the run log.
type RunHistory interface {
	Recent(ctx context.Context, producerID string, limit int) ([]runlog.Entry, error)
}

// Actions dispatches menu items.
type Actions interface {
	DispatchItem(ctx context.Context, producerID string, index int) (action.Outcome, error)
}

// EventSource is the read side of the event hub.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Deps are the daemon components the API reads from and drives.
type Deps struct {
	Snapshots Snapshots
	Scheduler Scheduler
	Registry  Registry
	Runs      RunHistory
	Actions   Actions
	Events    EventSource
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// ConfigFrom maps the api config section.
func ConfigFrom(cfg config.APIConfig) Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return Config{Listen: cfg.Listen, APIKey: cfg.Auth.APIKey, Tokens: tokens}
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Action commands run inside the request.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "open_access", s.openAccess())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeStoreRO)).Get("/store/{key}", s.handleStoreKey)

		r.With(s.requireScopes(auth.ScopeProducersRO)).Get("/producers", s.handleListProducers)
		r.With(s.requireScopes(auth.ScopeProducersRO)).Get("/producers/{id}", s.handleGetProducer)
		r.With(s.requireScopes(auth.ScopeProducersRW)).Post("/producers/{id}/refresh", s.handleRefresh)
		r.With(s.requireScopes(auth.ScopeProducersRW)).Post("/producers/{id}/actions/{index}", s.handleAction)
		r.With(s.requireScopes(auth.ScopeProducersRW)).Post("/discover", s.handleDiscover)

		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
