package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jmalik/finsights/internal/background"
	"github.com/jmalik/finsights/internal/config"
	"github.com/jmalik/finsights/internal/document"
	"github.com/jmalik/finsights/internal/jobs"
	"github.com/jmalik/finsights/internal/metrics"
	"github.com/jmalik/finsights/internal/pipeline"
)

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	store      jobs.Store
	runner     *background.Runner
	executor   *pipeline.Executor
	docs       *document.Manager
	metrics    *metrics.Registry
	hub        *eventHub
	logger     *zap.Logger

	// extract pulls text from a stored PDF. Swappable in tests.
	extract func(path string, maxChars int) (*document.Text, error)

	authSecret       string
	maxUploadBytes   int64
	maxDocumentChars int
}

// Options carries the wired dependencies the server serves.
type Options struct {
	Store     jobs.Store
	Runner    *background.Runner
	Executor  *pipeline.Executor
	Documents *document.Manager
	Metrics   *metrics.Registry
	Logger    *zap.Logger
}

// New creates a new server instance
func New(cfg config.Config, opts Options) (*Server, error) {
	if opts.Store == nil || opts.Runner == nil || opts.Executor == nil || opts.Documents == nil {
		return nil, fmt.Errorf("server requires store, runner, executor, and document manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		store:            opts.Store,
		runner:           opts.Runner,
		executor:         opts.Executor,
		docs:             opts.Documents,
		metrics:          opts.Metrics,
		hub:              newEventHub(),
		logger:           logger,
		extract:          document.ReadText,
		authSecret:       cfg.AuthSecret,
		maxUploadBytes:   cfg.MaxUploadBytes,
		maxDocumentChars: cfg.MaxDocumentChars,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyses", s.handleSubmit)
	mux.HandleFunc("GET /analyses", s.handleList)
	mux.HandleFunc("GET /analyses/{id}", s.handleGet)
	mux.HandleFunc("GET /analyses/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /analyses/{id}/events", s.handleEvents)
	mux.HandleFunc("DELETE /analyses/{id}", s.handleDelete)
	mux.HandleFunc("GET /statistics", s.handleStatistics)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withLogging(s.withCORS(s.withOwner(mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Long timeout for SSE subscribers
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler exposes the routed handler stack, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests and blocks until shutdown.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-stop:
	}
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Let in-flight jobs settle. Each is bounded by the overall deadline.
	s.runner.Wait()
	s.logger.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// handleHealth reports store reachability and stage timing stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["store"] = "unreachable"
	} else {
		resp["store"] = "ok"
	}
	if s.metrics != nil {
		resp["stages"] = s.metrics.Snapshot()
	}

	s.jsonResponse(w, http.StatusOK, resp)
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
