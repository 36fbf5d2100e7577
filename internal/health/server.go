package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the health endpoints for one service:
//
//	GET /health  -> 200/503 with overall health
//	GET /ready   -> 200/503 with readiness
//	GET /status  -> 200 with the full status report
//	GET /metrics -> Prometheus metrics
//
// Anything else is a 404.
type Server struct {
	port     int
	registry *Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	server *http.Server
}

// NewServer creates a health server on the given port.
func NewServer(port int, registry *Registry, log *slog.Logger) *Server {
	return &Server{
		port:     port,
		registry: registry,
		logger:   log.With("component", "health_server"),
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.logger.Info("Starting health server", "port", s.port)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()

	if server == nil {
		return nil
	}

	s.logger.Info("Stopping health server")
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to stop health server gracefully", "error", err)
		return err
	}
	s.logger.Info("Health server stopped")
	return nil
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the full handler, for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleNotFound)
	return s.recoverMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !s.registry.Healthy(r.Context()) {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":  status,
		"service": s.registry.service,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK
	if !s.registry.Ready(r.Context()) {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":  status,
		"service": s.registry.service,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.registry.Status(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		s.logger.Error("Failed to encode status response", "error", err)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]any{
		"status": "error",
		"error":  fmt.Sprintf("unknown path: %s", r.URL.Path),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// recoverMiddleware turns handler panics into 500 responses so a bad status
// hook cannot kill the supervisor.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("Handler panicked",
					"path", r.URL.Path,
					"panic", p,
				)
				s.writeJSON(w, http.StatusInternalServerError, map[string]any{
					"status": "error",
					"error":  fmt.Sprintf("%v", p),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
