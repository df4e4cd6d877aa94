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
	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/auth"
	"github.com/mattjoyce/jobhost/internal/events"
	"github.com/mattjoyce/jobhost/internal/history"
	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/manager"
)

// MessageQueue is the inbox side of the API.
type MessageQueue interface {
	Enqueue(ctx context.Context, kind inbox.Kind, body string) (string, error)
	Depth(ctx context.Context) (map[inbox.Kind]int, error)
}

// JobHistory reads dispatch history.
type JobHistory interface {
	Get(ctx context.Context, jobID uuid.UUID) (*history.Record, error)
	List(ctx context.Context, limit int) ([]history.Record, error)
}

// ActiveJobs lists dispatches in flight.
type ActiveJobs interface {
	Jobs() []manager.ActiveJob
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxBodyBytes caps request bodies. Defaults to 16 MiB.
	MaxBodyBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	inbox     MessageQueue
	history   JobHistory
	active    ActiveJobs
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, q MessageQueue, h JobHistory, active ActiveJobs, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 16 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		inbox:     q,
		history:   h,
		active:    active,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/jobs", s.handleSubmitJob)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs", s.handleListJobs)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs/active", s.handleActiveJobs)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs/{jobID}", s.handleGetJob)
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
