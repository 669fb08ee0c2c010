// Package api exposes the diagnostics engine over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryouol/agent-diagnostics/pkg/engine"
	"github.com/ryouol/agent-diagnostics/pkg/ingest"
	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// Options configures NewServer. Pipeline and Gatherer are optional.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pipeline receives batched packets; without it batches are applied inline.
	Pipeline *ingest.Pipeline
	// Gatherer backs /metrics.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	engine     *engine.Engine
	pipeline   *ingest.Pipeline
	logger     *slog.Logger
}

// NewServer creates a new API server
func NewServer(e *engine.Engine, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	// MonitorResources blocks for up to five minutes.
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 6 * time.Minute
	}

	router := mux.NewRouter()
	server := &Server{
		router:   router,
		engine:   e,
		pipeline: opts.Pipeline,
		logger:   logging.OrDefault(opts.Logger).With("component", "api"),
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      router,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}

	server.setupRoutes(opts.Gatherer)
	return server
}

// Handler returns the router (tests, embedding).
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/logs", s.handleAppendLog).Methods(http.MethodPost)
	v1.HandleFunc("/logs", s.handleGetLogs).Methods(http.MethodGet)
	v1.HandleFunc("/logs/batch", s.handleLogPacket).Methods(http.MethodPost)
	v1.HandleFunc("/logs/query", s.handleQueryLogs).Methods(http.MethodPost)
	v1.HandleFunc("/logs/search", s.handleSearch).Methods(http.MethodPost)
	v1.HandleFunc("/logs/analyze", s.handleAnalyze).Methods(http.MethodGet)
	v1.HandleFunc("/logs/export", s.handleExport).Methods(http.MethodGet)
	v1.HandleFunc("/traces", s.handleListTraces).Methods(http.MethodGet)
	v1.HandleFunc("/traces/{id}", s.handleGetTrace).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	v1.HandleFunc("/errors", s.handleTrackError).Methods(http.MethodPost)
	v1.HandleFunc("/errors", s.handleListErrors).Methods(http.MethodGet)

	v1.HandleFunc("/profiling", s.handleStartProfiling).Methods(http.MethodPost)
	v1.HandleFunc("/profiling", s.handleListProfiling).Methods(http.MethodGet)
	v1.HandleFunc("/profiling/{id}", s.handleGetProfiling).Methods(http.MethodGet)
	v1.HandleFunc("/profiling/{id}/stop", s.handleStopProfiling).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agent}/performance", s.handlePerformance).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{agent}/bottlenecks", s.handleBottlenecks).Methods(http.MethodGet)
	v1.HandleFunc("/monitor", s.handleMonitor).Methods(http.MethodPost)

	v1.HandleFunc("/alerts", s.handleCreateAlert).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.handleUpdateAlert).Methods(http.MethodPatch, http.MethodPut)
	v1.HandleFunc("/alerts/{id}", s.handleDeleteAlert).Methods(http.MethodDelete)
	v1.HandleFunc("/alerts/{id}/triggers", s.handleAlertTriggers).Methods(http.MethodGet)

	v1.HandleFunc("/debug", s.handleStartDebug).Methods(http.MethodPost)
	v1.HandleFunc("/debug", s.handleListDebug).Methods(http.MethodGet)
	v1.HandleFunc("/debug/{id}", s.handleGetDebug).Methods(http.MethodGet)
	v1.HandleFunc("/debug/{id}/{action:pause|resume|close}", s.handleDebugTransition).Methods(http.MethodPost)
	v1.HandleFunc("/debug/{id}/breakpoints", s.handleAddBreakpoint).Methods(http.MethodPost)
	v1.HandleFunc("/debug/{id}/steps", s.handleDebugStep).Methods(http.MethodPost)

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps engine errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsInvalidState(err):
		return http.StatusConflict
	case models.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &models.InvalidArgumentError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}
