package config

// DefaultJobs is the poll set used when the config declares no jobs at
// all. Declaring any job replaces the whole set; an explicitly empty
// poller is expressed with poller.enabled: false.
func DefaultJobs() []JobConfig {
	return []JobConfig{
		{Source: "system", Interval: "60s"},
		{Source: "ups", Interval: "30s"},
		{Source: "gps", Interval: "10s"},
		{Source: "weather", Interval: "15m", UsesLocation: true},
		{Source: "astronomy", Interval: "6h", UsesLocation: true},
		{Source: "space_weather", Interval: "3h"},
		{Source: "pois", Interval: "24h", UsesLocation: true},
		{Source: "speedtest", Interval: "6h", LogFailures: true},
	}
}
