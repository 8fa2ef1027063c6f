package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
logging:
  level: info
  console: true
storage:
  path: /tmp/pibackend-test.db
poller:
  enabled: true
jobs:
  - source: system
    interval: 60s
  - source: gps
    interval: 10s
    enabled: false
`

func TestParseBytesYAML(t *testing.T) {
	cfg, err := ParseBytes("config.yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if len(cfg.Jobs) != 2 {
		t.Fatalf("jobs = %d", len(cfg.Jobs))
	}
	if !cfg.Jobs[0].IsEnabled() {
		t.Fatalf("omitted enabled should default true")
	}
	if cfg.Jobs[1].IsEnabled() {
		t.Fatalf("explicit enabled:false lost in parse")
	}
	if got := cfg.Jobs[0].PollInterval(); got != time.Minute {
		t.Fatalf("interval = %v", got)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	in := strings.Replace(minimalYAML, "console: true", "console: true\n  colour: bright", 1)
	if _, err := ParseBytes("config.yaml", []byte(in)); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestValidateRejectsBadJobs(t *testing.T) {
	cases := []struct {
		name  string
		mutil func(*Config)
	}{
		{"empty source", func(c *Config) { c.Jobs[0].Source = "  " }},
		{"duplicate source", func(c *Config) { c.Jobs[1].Source = "SYSTEM" }},
		{"sub-second interval", func(c *Config) { c.Jobs[0].Interval = "500ms" }},
		{"bad duration", func(c *Config) { c.Jobs[0].Interval = "soon" }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseBytes("config.yaml", []byte(minimalYAML))
			if err != nil {
				t.Fatalf("ParseBytes: %v", err)
			}
			tc.mutil(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := ParseBytes("config.yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if got := cfg.Poller.TickInterval(); got != time.Second {
		t.Fatalf("tick = %v", got)
	}
	if got := cfg.Poller.WorkerCount(); got != 4 {
		t.Fatalf("workers = %d", got)
	}
	if got := cfg.Poller.Retention(); got != 90*24*time.Hour {
		t.Fatalf("retention = %v", got)
	}
	if got := cfg.HTTP.ListenAddr(); got != ":8080" {
		t.Fatalf("addr = %q", got)
	}
	if got := cfg.Sources.Gpsd(); got != "127.0.0.1:2947" {
		t.Fatalf("gpsd = %q", got)
	}
}

func TestManagerReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("jobs: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload error")
	}
	if m.Get() != cfg {
		t.Fatalf("failed reload must keep previous config")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PIBACKEND_HTTP_ADDR", ":9999")
	t.Setenv("PIBACKEND_LOG_LEVEL", "debug")
	cfg, err := ParseBytes("config.yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestDefaultJobsAreValid(t *testing.T) {
	seen := map[string]bool{}
	for _, j := range DefaultJobs() {
		if seen[j.Source] {
			t.Errorf("duplicate default job %q", j.Source)
		}
		seen[j.Source] = true
		if j.PollInterval() < time.Second {
			t.Errorf("job %q interval %q too short", j.Source, j.Interval)
		}
		if !j.IsEnabled() {
			t.Errorf("job %q should default to enabled", j.Source)
		}
	}
	if len(seen) != 8 {
		t.Fatalf("default set has %d jobs", len(seen))
	}
}
