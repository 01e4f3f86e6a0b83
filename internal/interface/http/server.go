// Package http is the HTTP adapter of the adaptive core: event ingress plus
// status endpoints over the pipeline, engine and bulkhead.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/alem-hub/adaptive-core/internal/application/eventhandler"
	"github.com/alem-hub/adaptive-core/internal/application/pipeline"
	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/scheduler"
	"github.com/alem-hub/adaptive-core/internal/interface/http/handlers"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// AllowedOrigins for CORS. Empty disables CORS headers.
	AllowedOrigins []string

	// TokenHash is a bcrypt hash of the API bearer token. Empty disables auth.
	TokenHash string

	// MaxBodyBytes caps ingress request bodies.
	MaxBodyBytes int64

	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 64 << 10,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// SessionManager deletes sessions. Implemented by checkpoint.Service so the
// stored checkpoint goes too.
type SessionManager interface {
	Forget(ctx context.Context, sessionID string) (bool, error)
}

// Dependencies contains everything the handlers read from.
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Engine   *progression.Engine

	// Sessions handles DELETE. Optional: falls back to Engine.Reset.
	Sessions SessionManager

	// Resilience reports compartment state.
	Resilience func() resilience.Status

	// Jobs lists scheduler jobs. Optional.
	Jobs func() []scheduler.JobInfo

	// DecisionStats reports decision aggregates. Optional.
	DecisionStats func() eventhandler.DecisionStats

	Health handlers.HealthChecker
	Logger *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// NewServer creates a server. Pipeline and Engine are required.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil || deps.Engine == nil {
		return nil, errors.New("http: pipeline and engine are required")
	}
	d := DefaultConfig()
	if config.Addr == "" {
		config.Addr = d.Addr
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = d.MaxBodyBytes
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = handlers.NewCompositeHealthChecker(config.Version)
	}

	auth, err := handlers.NewTokenAuth(config.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("http: invalid token hash: %w", err)
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger.With(logger.Component("http")),
	}
	s.router = s.buildRouter(auth)
	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) buildRouter(auth *handlers.TokenAuth) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handlers.RequestLogger(s.logger))
	r.Use(handlers.Recoverer(s.logger))
	r.Use(handlers.SecurityHeaders)
	if len(s.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.With(handlers.RequestSizeLimit(s.config.MaxBodyBytes)).Post("/events", s.handleSubmitEvent)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/resilience", s.handleResilience)
		r.Get("/deadletters", s.handleDeadLetters)
		r.Get("/decisions", s.handleDecisions)
		r.Get("/decisions/stats", s.handleDecisionStats)
		r.Get("/jobs", s.handleJobs)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
	})

	return r
}

// Handler returns the router. Useful in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("http: server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", slog.String("addr", s.config.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http: server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
