package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pibackend/internal/poller"
	"pibackend/internal/store"
	logx "pibackend/pkg/logx"
)

const maxQueryLimit = 1000

// GET /api/v1/readings?source=gps&from=...&to=...&limit=100
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src := strings.TrimSpace(q.Get("source"))
	if src == "" {
		writeError(w, http.StatusBadRequest, "source parameter is required")
		return
	}

	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}
	}

	readings, err := s.st.QueryReadings(r.Context(), src, from, to, limit)
	if err != nil {
		s.log.Error("readings query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":   src,
		"count":    len(readings),
		"readings": readings,
	})
}

// GET /api/v1/readings/latest returns the newest reading per known source.
func (s *Server) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, js := range s.reg.Status() {
		reading, err := s.st.LatestReading(r.Context(), js.Source)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out[js.Source] = nil
		case err != nil:
			s.log.Error("latest reading query failed", logx.String("source", js.Source), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		default:
			out[js.Source] = reading
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/v1/readings/{source}/latest
func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	src := chi.URLParam(r, "source")
	reading, err := s.st.LatestReading(r.Context(), src)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no readings for source")
		return
	}
	if err != nil {
		s.log.Error("latest reading query failed", logx.String("source", src), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Status())
}

// GET /api/v1/jobs/{source}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	js, ok := s.reg.Get(chi.URLParam(r, "source"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	writeJSON(w, http.StatusOK, js)
}

type jobRequest struct {
	Interval     string `json:"interval"`
	Enabled      *bool  `json:"enabled"`
	UsesLocation bool   `json:"uses_location"`
	LogFailures  bool   `json:"log_failures"`
	Timeout      string `json:"timeout"`
}

// PUT /api/v1/jobs/{source} creates or reconfigures a job. The change
// takes effect on the next scheduler tick.
func (s *Server) handleUpsertJob(w http.ResponseWriter, r *http.Request) {
	src := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "source")))
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	interval, err := time.ParseDuration(req.Interval)
	if err != nil || interval < time.Second {
		writeError(w, http.StatusBadRequest, "interval must be a duration >= 1s")
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		timeout, err = time.ParseDuration(req.Timeout)
		if err != nil || timeout < 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a non-negative duration")
			return
		}
	}

	sp := poller.JobSpec{
		Source:       src,
		Interval:     interval,
		Timeout:      timeout,
		Enabled:      req.Enabled == nil || *req.Enabled,
		UsesLocation: req.UsesLocation,
		LogFailures:  req.LogFailures,
	}
	if err := s.reg.Upsert(r.Context(), sp); err != nil {
		s.log.Error("job upsert failed", logx.String("source", src), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "job not saved")
		return
	}
	js, _ := s.reg.Get(src)
	writeJSON(w, http.StatusOK, js)
}

// POST /api/v1/jobs/{source}/enable and .../disable
func (s *Server) handleEnableJob(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src := chi.URLParam(r, "source")
		if !s.reg.SetEnabled(r.Context(), src, enabled) {
			writeError(w, http.StatusNotFound, "unknown source")
			return
		}
		js, _ := s.reg.Get(src)
		writeJSON(w, http.StatusOK, js)
	}
}

// DELETE /api/v1/jobs/{source}
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	src := chi.URLParam(r, "source")
	if !s.reg.Remove(r.Context(), src) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":    "ok",
		"time":      time.Now().UTC(),
		"scheduler": s.sch.Snapshot(),
	}
	if s.adm.Health != nil {
		for k, v := range s.adm.Health() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/v1/admin/reload
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.adm.Reload == nil {
		writeError(w, http.StatusNotImplemented, "reload not available")
		return
	}
	if err := s.adm.Reload(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "reload rejected: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}

// POST /api/v1/admin/prune
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if s.adm.Prune == nil {
		writeError(w, http.StatusNotImplemented, "prune not available")
		return
	}
	deleted, err := s.adm.Prune(r.Context())
	if err != nil {
		s.log.Error("manual prune failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "prune failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// parseTimeParam accepts RFC3339 or unix seconds; empty means zero time.
func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, errors.New("expected RFC3339 timestamp or unix seconds")
}
