// Package server exposes the engine over HTTP. Conversation operations
// live under /v1/conversations; operational endpoints (health, metrics,
// sync queues) sit beside them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialogtree/dialog/pkg/config"
	"github.com/dialogtree/dialog/pkg/engine"
)

// Server is the HTTP front of an engine.
type Server struct {
	engine     *engine.Engine
	httpServer *http.Server
}

// New builds the server; Start runs it.
func New(e *engine.Engine, cfg config.ServerConfig) *Server {
	s := &Server{engine: e}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router. Used by tests and embedders.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.engine.Metrics().Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/conversations", s.handleCreate)
		r.Route("/conversations/{conversation}", func(r chi.Router) {
			r.Post("/messages", s.handleMessage)
			r.Post("/escalate", s.handleEscalate)
			r.Post("/close", s.handleClose)
			r.Get("/status", s.handleStatus)
			r.Get("/summary", s.handleSummary)
		})

		r.Get("/system/metrics", s.handleSystemMetrics)
		r.Get("/system/usage", s.handleUsage)

		r.Get("/sync/health", s.handleSyncHealth)
		r.Post("/sync/dlq:drain", s.handleDrainDLQ)
		r.Post("/sync/conflicts:drain", s.handleDrainConflicts)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed", time.Since(start))
	})
}
