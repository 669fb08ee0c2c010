package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/ryouol/agent-diagnostics/pkg/alerts"
)

// WebhookSink receives alert webhooks and logs them. It stands in for a
// chat or paging integration during local runs.
type WebhookSink struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *slog.Logger

	mutex    sync.RWMutex
	received int
	last     *alerts.WebhookPayload
}

// NewWebhookSink creates a sink listening on addr
func NewWebhookSink(addr string, logger *slog.Logger) *WebhookSink {
	router := mux.NewRouter()
	sink := &WebhookSink{
		router: router,
		logger: logger.With("component", "webhook-sink"),
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	router.HandleFunc("/webhook", sink.handleWebhook).Methods(http.MethodPost)
	router.HandleFunc("/health", sink.handleHealth).Methods(http.MethodGet)
	return sink
}

// Run serves until ctx is cancelled.
func (s *WebhookSink) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting webhook sink", "addr", s.httpServer.Addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down webhook sink")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *WebhookSink) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload alerts.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.mutex.Lock()
	s.received++
	s.last = &payload
	total := s.received
	s.mutex.Unlock()

	s.logger.Info("Alert received",
		"event", payload.Event,
		"alert", payload.Alert.Name,
		"agent", payload.Error.Agent,
		"level", payload.Error.Level,
		"message", payload.Error.Message,
		"frequency", payload.Error.Frequency,
		"total", total,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "received"})
}

func (s *WebhookSink) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	body := map[string]interface{}{
		"status":   "healthy",
		"received": s.received,
	}
	if s.last != nil {
		body["lastAlert"] = s.last.Alert.Name
	}
	s.mutex.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// newSinkCmd creates the "diagnostics sink" subcommand.
func newSinkCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a webhook receiver that logs alert deliveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := g.load("webhook-sink")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return NewWebhookSink(addr, logger).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8081", "listen address")
	return cmd
}
