// Package web serves the local status surface for a running devlink app.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mbocsi/devlink/app"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	app *app.App
}

func NewServer(a *app.App) *Server {
	return &Server{app: a}
}

// Routes returns the HTTP routes for the status surface
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.HandleStatus)
	r.Get("/devices", s.HandleDevices)
	r.Get("/devices/{id}", s.HandleDeviceDetail)
	r.Get("/alerts", s.HandleAlerts)
	r.Get("/topics/{name}/events", s.HandleTopicEvents)
	r.Post("/api/messages", s.HandleSendMessage)
	r.Post("/api/connect", s.HandleConnect)
	r.Post("/api/disconnect", s.HandleDisconnect)
	r.Get("/api/cache", s.HandleCacheStats)
	r.Delete("/api/cache", s.HandleClearCache)
	if s.app.Config.Web.Metrics {
		r.Handle("/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe serves Routes on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting status server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Shutting down status server")
		return srv.Shutdown(shutdownCtx)
	}
}
