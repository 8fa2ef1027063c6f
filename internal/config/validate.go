package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTick           = time.Second
	DefaultWorkers        = 4
	DefaultFetchTimeout   = 10 * time.Second
	DefaultGraceTimeout   = 10 * time.Second
	DefaultRetentionDays  = 90
	DefaultPruneSchedule  = "30 3 * * *"
	DefaultHTTPAddr       = ":8080"
	DefaultGpsdAddr       = "127.0.0.1:2947"
	DefaultHTTPTimeout    = 15 * time.Second
	DefaultPerHostRPS     = 2.0
	DefaultPOIRadiusKM    = 50.0
	DefaultFailStreak     = 5
	DefaultNotifyRatePerM = 6
)

// Validate checks everything that can be checked without I/O. Durations are
// parsed here so accessor methods can safely ignore errors afterward.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := Duration("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"poller.tick", c.Poller.Tick},
		{"poller.default_timeout", c.Poller.DefaultTimeout},
		{"poller.grace_timeout", c.Poller.GraceTimeout},
		{"sources.http_timeout", c.Sources.HTTPTimeout},
	} {
		if _, err := Duration(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Poller.Workers < 0 {
		return fmt.Errorf("poller.workers must be >= 0")
	}
	if c.Poller.RetentionDays < 0 {
		return fmt.Errorf("poller.retention_days must be >= 0")
	}
	if b := c.Poller.Backoff; b != nil {
		if b.AfterFailures < 1 {
			return fmt.Errorf("poller.backoff.after_failures must be >= 1")
		}
		d, err := Duration("poller.backoff.max_interval", b.MaxInterval)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("poller.backoff.max_interval is required")
		}
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.ToLower(strings.TrimSpace(j.Source))
		if name == "" {
			return fmt.Errorf("jobs[%d]: source is required", i)
		}
		if seen[name] {
			return fmt.Errorf("jobs[%d]: duplicate source %q", i, name)
		}
		seen[name] = true

		iv, err := Duration(fmt.Sprintf("jobs[%d].interval", i), j.Interval)
		if err != nil {
			return err
		}
		if iv < time.Second {
			return fmt.Errorf("jobs[%d].interval must be >= 1s", i)
		}
		if _, err := Duration(fmt.Sprintf("jobs[%d].timeout", i), j.Timeout); err != nil {
			return err
		}
	}

	if n := c.Notify; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			return fmt.Errorf("notify.token is required when notify.enabled")
		}
		if n.ChatID == 0 {
			return fmt.Errorf("notify.chat_id is required when notify.enabled")
		}
	}
	return nil
}

// Accessors below assume Validate has passed and fall back to defaults for
// omitted fields.

func (c HTTPConfig) ListenAddr() string {
	if strings.TrimSpace(c.Addr) == "" {
		return DefaultHTTPAddr
	}
	return c.Addr
}

func (p PollerConfig) TickInterval() time.Duration {
	d, _ := DurationOr("poller.tick", p.Tick, DefaultTick)
	return d
}

func (p PollerConfig) WorkerCount() int {
	if p.Workers <= 0 {
		return DefaultWorkers
	}
	return p.Workers
}

func (p PollerConfig) FetchTimeout() time.Duration {
	d, _ := DurationOr("poller.default_timeout", p.DefaultTimeout, DefaultFetchTimeout)
	return d
}

func (p PollerConfig) DrainTimeout() time.Duration {
	d, _ := DurationOr("poller.grace_timeout", p.GraceTimeout, DefaultGraceTimeout)
	return d
}

func (p PollerConfig) Retention() time.Duration {
	days := p.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (p PollerConfig) PruneCron() string {
	if strings.TrimSpace(p.PruneSchedule) == "" {
		return DefaultPruneSchedule
	}
	return p.PruneSchedule
}

func (b *BackoffConfig) Cap() time.Duration {
	if b == nil {
		return 0
	}
	d, _ := Duration("poller.backoff.max_interval", b.MaxInterval)
	return d
}

func (j JobConfig) PollInterval() time.Duration {
	d, _ := Duration("interval", j.Interval)
	return d
}

func (j JobConfig) FetchTimeout(def time.Duration) time.Duration {
	d, _ := DurationOr("timeout", j.Timeout, def)
	return d
}

func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

func (s SourcesConfig) Gpsd() string {
	if strings.TrimSpace(s.GpsdAddr) == "" {
		return DefaultGpsdAddr
	}
	return s.GpsdAddr
}

func (s SourcesConfig) OutboundTimeout() time.Duration {
	d, _ := DurationOr("sources.http_timeout", s.HTTPTimeout, DefaultHTTPTimeout)
	return d
}

func (s SourcesConfig) HostRPS() float64 {
	if s.PerHostRPS <= 0 {
		return DefaultPerHostRPS
	}
	return s.PerHostRPS
}

func (s SourcesConfig) POIRadius() float64 {
	if s.POIRadiusKM <= 0 {
		return DefaultPOIRadiusKM
	}
	return s.POIRadiusKM
}

func (n *NotifyConfig) Threshold() int {
	if n == nil || n.FailureThreshold <= 0 {
		return DefaultFailStreak
	}
	return n.FailureThreshold
}

func (n *NotifyConfig) Rate() int {
	if n == nil || n.RatePerMin <= 0 {
		return DefaultNotifyRatePerM
	}
	return n.RatePerMin
}
