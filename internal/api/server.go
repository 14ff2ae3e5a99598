// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/service"
)

// MigrationServiceInterface is the user-facing migration surface
type MigrationServiceInterface interface {
	Enqueue(ctx context.Context, userID string, in service.EnqueueInput) (*models.UserMigrationProgress, error)
	Cancel(ctx context.Context, userID string) (int, error)
	GetStatus(ctx context.Context, userID string) (*service.MigrationStatus, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	migrations MigrationServiceInterface
	health     HealthChecker
	metrics    http.Handler
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewServer creates a new API server instance. health and metrics may be nil.
func NewServer(
	config *ServerConfig,
	migrations MigrationServiceInterface,
	health HealthChecker,
	metrics http.Handler,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		migrations: migrations,
		health:     health,
		metrics:    metrics,
		config:     config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	// user actions are throttled per user
	limiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(limiter))

	api.HandleFunc("/users/{userId}/migration", s.handleEnqueueMigration).Methods("POST")
	api.HandleFunc("/users/{userId}/migration", s.handleGetMigration).Methods("GET")
	api.HandleFunc("/users/{userId}/migration", s.handleCancelMigration).Methods("DELETE")
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "activity-migrator",
				"error":   err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "activity-migrator",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
