// Package api exposes the inbound event contract of the flow engine over HTTP.
//
// It provides the normalized event endpoint consumed by the webhook
// ingestion layer, plus a health check, on a chi router with graceful
// shutdown.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fluxodesk/fluxodesk/internal/flow"
	"github.com/fluxodesk/fluxodesk/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Constants for server configuration
const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds one inbound event end-to-end. Delay nodes
	// may legitimately block for up to their 30s clamp.
	DefaultRequestTimeout = 60 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the HTTP surface of the flow engine.
type Server struct {
	engine *flow.Engine
	srv    *http.Server
}

// NewServer creates an API server around the flow engine.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{engine: engine}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(DefaultRequestTimeout))
	r.Get("/healthz", s.healthHandler)
	r.Post("/v1/events", s.eventsHandler)

	s.srv = &http.Server{Addr: cfg.Addr, Handler: r}
	return s
}

// Handler returns the underlying HTTP handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("API server shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// eventsHandler accepts one normalized inbound event and runs it through the
// engine synchronously.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	var event models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.Warn("Events handler rejected malformed body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.FailResult(fmt.Errorf("invalid request body: %w", err)))
		return
	}

	result := s.engine.HandleInbound(r.Context(), event)
	writeJSONResponse(w, statusFor(result), result)
}

// statusFor maps an event result to an HTTP status. Lookup failures surface
// as 404, malformed events as 400, everything else as 500.
func statusFor(result models.EventResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch {
	case errors.Is(result.Err, models.ErrConversationNotFound),
		errors.Is(result.Err, models.ErrContactNotFound),
		errors.Is(result.Err, models.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(result.Err, models.ErrEmptyEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
