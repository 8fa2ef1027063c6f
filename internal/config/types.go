package config

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
// Unknown keys are rejected so typos surface at startup instead of
// silently running with defaults.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Storage  StorageConfig  `json:"storage"`
	Poller   PollerConfig   `json:"poller"`
	Location LocationConfig `json:"location,omitempty"`
	Sources  SourcesConfig  `json:"sources,omitempty"`
	Notify   *NotifyConfig  `json:"notify,omitempty"`
	Jobs     []JobConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the REST API listener.
type HTTPConfig struct {
	Addr string `json:"addr"` // default ":8080"

	// RequireAPIKey gates /api/v1 behind X-API-Key checked against the
	// api_keys table. /metrics and /debug stay open on the assumption the
	// listener is not public.
	RequireAPIKey bool `json:"require_api_key,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts /debug/pprof on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PollerConfig controls the tick scheduler and collector pool.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - workers: 4
//   - default_timeout: "10s"
//   - grace_timeout: "10s" (shutdown drain)
//   - retention_days: 90
//   - prune_schedule: "30 3 * * *"
type PollerConfig struct {
	Enabled        bool   `json:"enabled"`
	Tick           string `json:"tick,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	GraceTimeout   string `json:"grace_timeout,omitempty"`

	RetentionDays int    `json:"retention_days,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron spec

	// Backoff, when present, doubles a job's effective interval after
	// N consecutive failures (capped); it never disables the job.
	Backoff *BackoffConfig `json:"backoff,omitempty"`
}

type BackoffConfig struct {
	AfterFailures int    `json:"after_failures"` // threshold N
	MaxInterval   string `json:"max_interval"`   // cap for the doubled interval
}

// JobConfig declares one polling job. Source must match a bound adapter.
//
// Enabled is a pointer so "omitted" defaults to true while an explicit
// false still parses.
type JobConfig struct {
	Source       string `json:"source"`
	Interval     string `json:"interval"`
	Enabled      *bool  `json:"enabled,omitempty"`
	UsesLocation bool   `json:"uses_location,omitempty"`
	LogFailures  bool   `json:"log_failures,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// LocationConfig is the fallback used for jobs with uses_location when no
// recent GNSS fix is available. Fallback is "lat,lon" or a place query.
type LocationConfig struct {
	Fallback string `json:"fallback,omitempty"`
}

// SourcesConfig carries adapter-specific settings.
type SourcesConfig struct {
	GpsdAddr string `json:"gpsd_addr,omitempty"` // default "127.0.0.1:2947"

	// Weather providers to aggregate; defaults to all supported.
	WeatherProviders []string `json:"weather_providers,omitempty"`

	// Outbound HTTP tuning shared by the API adapters.
	HTTPTimeout string  `json:"http_timeout,omitempty"` // default "15s"
	PerHostRPS  float64 `json:"per_host_rps,omitempty"` // default 2

	// UPS power monitor sysfs/hwmon base path (collaborator-provided reader).
	UPSPath string `json:"ups_path,omitempty"`

	// POI search radius in km around the resolved location.
	POIRadiusKM float64 `json:"poi_radius_km,omitempty"` // default 50
}

// NotifyConfig controls optional Telegram failure-streak alerts.
// Disabled unless a token and chat id are configured.
type NotifyConfig struct {
	Enabled          bool   `json:"enabled"`
	Token            string `json:"token,omitempty"` // prefer PIBACKEND_TELEGRAM_TOKEN env
	ChatID           int64  `json:"chat_id,omitempty"`
	FailureThreshold int    `json:"failure_threshold,omitempty"` // default 5
	RatePerMin       int    `json:"rate_per_min,omitempty"`      // default 6
}
