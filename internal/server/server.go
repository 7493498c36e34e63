// Package server assembles the service routes and runs the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mapsel/spatial-select/internal/handler"
	"github.com/mapsel/spatial-select/internal/health"
	"github.com/mapsel/spatial-select/internal/observability"
)

// Deps carries the wired handlers the router serves.
type Deps struct {
	Logger *slog.Logger
	API    *handler.API
	WS     *handler.WSHandler
	Checks []health.Check
}

// NewRouter builds the chi router. The request metrics middleware
// only wraps the API routes; long-lived WebSocket connections would
// pollute the latency histograms.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(handler.Recover())
	r.Use(handler.Logging(d.Logger))
	r.Use(handler.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Checks...))
	r.Get("/metrics", observability.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(handler.Metrics())
		r.Get("/layers", d.API.Layers)
		r.Get("/layers/{id}/fields", d.API.LayerFields)
		r.Get("/select", d.API.Select)
		r.Post("/select", d.API.Select)
	})

	r.Get("/ws", d.WS.ServeWS)
	return r
}

// Run serves until the context ends, then shuts down gracefully.
func Run(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
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
