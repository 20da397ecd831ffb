package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/config"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/health"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/middleware"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/router"
)

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	Provider       router.MetricsProvider
	Store          health.Pinger
	SnapshotLen    int
	MetricsHandler http.Handler
}

// Run sets up routes and serves until ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(deps.Store, deps.SnapshotLen))
	if deps.MetricsHandler != nil {
		r.Get("/metrics", deps.MetricsHandler.ServeHTTP)
	}
	r.Get("/v1/metrics", router.Metrics(logger, deps.Provider))
	r.Get("/v1/states", router.States(deps.Provider))
	r.Get("/v1/districts", router.Districts(deps.Provider))
	r.Get("/v1/averages", router.Averages(logger, deps.Provider))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
