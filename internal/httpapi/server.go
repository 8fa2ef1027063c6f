// Package httpapi serves the REST surface: readings queries, job admin,
// health, metrics and the admin reload/prune hooks.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pibackend/internal/config"
	"pibackend/internal/poller"
	"pibackend/internal/store"
	logx "pibackend/pkg/logx"
)

// Admin groups the hooks the API exposes but the app layer owns.
type Admin struct {
	// Reload re-reads the config file and swaps the job set.
	Reload func(ctx context.Context) error
	// Prune runs a retention pass now and reports deleted rows.
	Prune func(ctx context.Context) (int64, error)
	// Health returns the process-level snapshot merged into /health.
	Health func() map[string]any
}

type Server struct {
	cfg config.HTTPConfig
	st  *store.Store
	reg *poller.Registry
	sch *poller.Scheduler
	adm Admin
	log logx.Logger

	handler http.Handler
}

func NewServer(cfg config.HTTPConfig, st *store.Store, reg *poller.Registry, sch *poller.Scheduler, adm Admin, metricsHandler http.Handler, log logx.Logger) *Server {
	s := &Server{
		cfg: cfg,
		st:  st,
		reg: reg,
		sch: sch,
		adm: adm,
		log: log.With(logx.String("component", "httpapi")),
	}
	s.handler = s.routes(metricsHandler)
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.handler,
		ReadTimeout:  durationOr(s.cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(s.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  durationOr(s.cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return srv.Close()
	}
	return nil
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := config.Duration("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
