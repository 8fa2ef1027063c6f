package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"pibackend/internal/config"
	"pibackend/internal/poller"
	"pibackend/internal/store"
	logx "pibackend/pkg/logx"
)

func newTestServer(t *testing.T, cfg config.HTTPConfig, adm Admin) (*Server, *store.Store, *poller.Registry) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := poller.NewRegistry(st, nil, logx.Nop())
	sch := poller.NewScheduler(poller.Config{Enabled: true}, reg, nil, nil, logx.Nop())
	return NewServer(cfg, st, reg, sch, adm, nil, logx.Nop()), st, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: non-JSON body %q", method, path, rr.Body.String())
		}
	}
	return rr, out
}

func TestReadingsQuery(t *testing.T) {
	s, st, _ := newTestServer(t, config.HTTPConfig{}, Admin{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := st.WriteReading(ctx, store.Reading{
			Source:  "system",
			At:      base.Add(time.Duration(i) * time.Minute),
			Payload: map[string]any{"cpu_percent": float64(10 + i)},
		})
		if err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	rr, body := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/readings?source=system&limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rr.Code, body)
	}
	if got := body["count"].(float64); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}
	readings := body["readings"].([]any)
	first := readings[0].(map[string]any)
	// Newest first.
	if first["at"].(string) != base.Add(2*time.Minute).Format(time.RFC3339) {
		t.Fatalf("first reading at = %v", first["at"])
	}

	rr, _ = doJSON(t, s.Handler(), http.MethodGet, "/api/v1/readings", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing source: status = %d, want 400", rr.Code)
	}

	rr, _ = doJSON(t, s.Handler(), http.MethodGet, "/api/v1/readings?source=system&from=garbage", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad from: status = %d, want 400", rr.Code)
	}
}

func TestLatestReading(t *testing.T) {
	s, st, _ := newTestServer(t, config.HTTPConfig{}, Admin{})
	ctx := context.Background()

	err := st.WriteReading(ctx, store.Reading{
		Source:  "gps",
		At:      time.Now(),
		Payload: map[string]any{"status": "fix"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	rr, body := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/readings/gps/latest", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := body["payload"].(map[string]any)
	if payload["status"] != "fix" {
		t.Fatalf("payload = %v", payload)
	}

	rr, _ = doJSON(t, s.Handler(), http.MethodGet, "/api/v1/readings/nothing/latest", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown source: status = %d, want 404", rr.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	s, _, reg := newTestServer(t, config.HTTPConfig{}, Admin{})

	body := []byte(`{"interval":"30s","log_failures":true}`)
	rr, got := doJSON(t, s.Handler(), http.MethodPut, "/api/v1/jobs/System", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("upsert: status = %d: %v", rr.Code, got)
	}
	if got["source"] != "system" || got["interval"] != "30s" || got["enabled"] != true {
		t.Fatalf("upsert response = %v", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d", reg.Len())
	}

	rr, got = doJSON(t, s.Handler(), http.MethodPost, "/api/v1/jobs/system/disable", nil)
	if rr.Code != http.StatusOK || got["enabled"] != false {
		t.Fatalf("disable: status = %d body = %v", rr.Code, got)
	}

	rr, got = doJSON(t, s.Handler(), http.MethodGet, "/api/v1/jobs/system", nil)
	if rr.Code != http.StatusOK || got["enabled"] != false {
		t.Fatalf("get after disable: status = %d body = %v", rr.Code, got)
	}

	rr, _ = doJSON(t, s.Handler(), http.MethodDelete, "/api/v1/jobs/system", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rr.Code)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len after delete = %d", reg.Len())
	}

	rr, _ = doJSON(t, s.Handler(), http.MethodDelete, "/api/v1/jobs/system", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want 404", rr.Code)
	}
}

func TestJobValidation(t *testing.T) {
	s, _, _ := newTestServer(t, config.HTTPConfig{}, Admin{})

	cases := []string{
		`{"interval":"500ms"}`,
		`{"interval":"nope"}`,
		`{}`,
		`{"interval":"30s","timeout":"-5s"}`,
	}
	for _, body := range cases {
		rr, _ := doJSON(t, s.Handler(), http.MethodPut, "/api/v1/jobs/system", []byte(body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestHealthMergesAdmin(t *testing.T) {
	adm := Admin{
		Health: func() map[string]any {
			return map[string]any{"supervisor": map[string]any{"restarts": 2}}
		},
	}
	s, _, _ := newTestServer(t, config.HTTPConfig{}, adm)

	rr, body := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v", body["status"])
	}
	if _, ok := body["scheduler"].(map[string]any); !ok {
		t.Fatalf("scheduler snapshot missing: %v", body)
	}
	if _, ok := body["supervisor"]; !ok {
		t.Fatalf("admin health not merged: %v", body)
	}
}

func TestAdminReloadAndPrune(t *testing.T) {
	var reloaded bool
	adm := Admin{
		Reload: func(ctx context.Context) error { reloaded = true; return nil },
		Prune:  func(ctx context.Context) (int64, error) { return 7, nil },
	}
	s, _, _ := newTestServer(t, config.HTTPConfig{}, adm)

	rr, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/admin/reload", nil)
	if rr.Code != http.StatusOK || !reloaded {
		t.Fatalf("reload: status = %d reloaded = %v", rr.Code, reloaded)
	}

	rr, body := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/admin/prune", nil)
	if rr.Code != http.StatusOK || body["deleted"].(float64) != 7 {
		t.Fatalf("prune: status = %d body = %v", rr.Code, body)
	}
}

func TestAPIKeyGate(t *testing.T) {
	s, st, _ := newTestServer(t, config.HTTPConfig{RequireAPIKey: true}, Admin{})
	ctx := context.Background()

	// No key configured: refuse everything.
	rr, _ := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/jobs", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unconfigured: status = %d, want 401", rr.Code)
	}

	if err := st.SetAPIKey(ctx, "api", "sekrit"); err != nil {
		t.Fatalf("set key: %v", err)
	}

	rr, _ = doJSON(t, s.Handler(), http.MethodGet, "/api/v1/jobs", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no header: status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with key: status = %d, want 200", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s, _, _ := newTestServer(t, config.HTTPConfig{}, Admin{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id not set")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("X-Request-Id = %q, want passthrough", got)
	}
}
