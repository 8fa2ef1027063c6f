package httpapi

import (
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RequireAPIKey {
			r.Use(s.requireAPIKey)
		}

		r.Get("/readings", s.handleReadings)
		r.Get("/readings/latest", s.handleLatestReadings)
		r.Get("/readings/{source}/latest", s.handleLatestReading)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{source}", s.handleGetJob)
		r.Put("/jobs/{source}", s.handleUpsertJob)
		r.Post("/jobs/{source}/enable", s.handleEnableJob(true))
		r.Post("/jobs/{source}/disable", s.handleEnableJob(false))
		r.Delete("/jobs/{source}", s.handleDeleteJob)

		r.Get("/health", s.handleHealth)

		r.Post("/admin/reload", s.handleReload)
		r.Post("/admin/prune", s.handlePrune)
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	if s.cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", pprof.Index)
			r.Get("/cmdline", pprof.Cmdline)
			r.Get("/profile", pprof.Profile)
			r.Get("/symbol", pprof.Symbol)
			r.Get("/trace", pprof.Trace)
			r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			})
		})
	}

	return r
}
