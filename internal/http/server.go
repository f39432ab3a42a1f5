package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server represents the HTTP server for metrics and status endpoints.
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new HTTP server. Metrics are served from gatherer.
func NewServer(addr string, status *StatusHandler, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()

	// Register handlers
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/status", status)
	mux.HandleFunc("/health", healthHandler)

	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With().Str("component", "http").Logger(),
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler returns the request multiplexer.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
