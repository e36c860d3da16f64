// Package server exposes the watch loop health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nholik/hostkeeper/internal/healthcheck"
	"github.com/nholik/hostkeeper/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Config selects the listeners to start. A zero port disables the listener; equal ports
// share one.
type Config struct {
	HealthPort  int
	MetricsPort int
	// Interval is the watch interval used to judge liveness.
	Interval time.Duration
}

// Enabled reports whether any listener is configured.
func (c Config) Enabled() bool {
	return c.HealthPort > 0 || c.MetricsPort > 0
}

// Start launches the configured HTTP servers. They shut down when ctx is done.
func Start(ctx context.Context, logger zerolog.Logger, cfg Config, tracker *healthcheck.Tracker, collector *metrics.Metrics) {
	for port, handler := range Handlers(cfg, tracker, collector) {
		startServer(ctx, logger, handler, port)
	}
}

// Handlers builds one mux per listening port.
func Handlers(cfg Config, tracker *healthcheck.Tracker, collector *metrics.Metrics) map[int]http.Handler {
	muxes := make(map[int]*http.ServeMux)
	mux := func(port int) *http.ServeMux {
		if m, ok := muxes[port]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[port] = m
		return m
	}

	if cfg.HealthPort > 0 {
		m := mux(cfg.HealthPort)
		m.HandleFunc("/healthz", healthcheck.HealthHandler(tracker, cfg.Interval))
		m.HandleFunc("/readyz", healthcheck.ReadyHandler(tracker))
	}
	if cfg.MetricsPort > 0 && collector != nil {
		mux(cfg.MetricsPort).Handle("/metrics", collector.Handler())
	}

	handlers := make(map[int]http.Handler, len(muxes))
	for port, m := range muxes {
		handlers[port] = m
	}
	return handlers
}

func startServer(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	log := logger.With().Int("port", port).Logger()

	go func() {
		log.Info().Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown failed")
		}
	}()
}
