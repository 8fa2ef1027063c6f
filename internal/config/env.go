package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides are applied on top of the file config. Deployment-specific
// values (paths, addresses) and secrets live in the environment; a .env
// next to the binary is loaded by main before parsing.
type envOverrides struct {
	DBPath         string `envconfig:"DB_PATH"`
	HTTPAddr       string `envconfig:"HTTP_ADDR"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	GpsdAddr       string `envconfig:"GPSD_ADDR"`
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `envconfig:"TELEGRAM_CHAT_ID"`
}

const envPrefix = "PIBACKEND"

func applyEnv(cfg *Config) {
	var e envOverrides
	if err := envconfig.Process(envPrefix, &e); err != nil {
		return
	}
	if e.DBPath != "" {
		cfg.Storage.Path = e.DBPath
	}
	if e.HTTPAddr != "" {
		cfg.HTTP.Addr = e.HTTPAddr
	}
	if e.LogLevel != "" {
		cfg.Logging.Level = e.LogLevel
	}
	if e.GpsdAddr != "" {
		cfg.Sources.GpsdAddr = e.GpsdAddr
	}
	if e.TelegramToken != "" {
		if cfg.Notify == nil {
			cfg.Notify = &NotifyConfig{Enabled: true}
		}
		cfg.Notify.Token = e.TelegramToken
	}
	if e.TelegramChatID != 0 && cfg.Notify != nil {
		cfg.Notify.ChatID = e.TelegramChatID
	}
}

// ProviderKeysFromEnv collects external API keys from the environment so
// the app can seed the api_keys table on startup. Key names match what the
// weather and astronomy adapters look up.
func ProviderKeysFromEnv() map[string]string {
	type providerKeys struct {
		OpenWeatherMap string `envconfig:"OPENWEATHERMAP_API_KEY"`
		AccuWeather    string `envconfig:"ACCUWEATHER_API_KEY"`
		Windy          string `envconfig:"WINDY_API_KEY"`
		N2YO           string `envconfig:"N2YO_API_KEY"`
		API            string `envconfig:"API_KEY"` // key for inbound /api/v1 auth
	}
	var p providerKeys
	if err := envconfig.Process(envPrefix, &p); err != nil {
		return nil
	}
	out := make(map[string]string, 5)
	for name, v := range map[string]string{
		"openweathermap": p.OpenWeatherMap,
		"accuweather":    p.AccuWeather,
		"windy":          p.Windy,
		"n2yo":           p.N2YO,
		"api":            p.API,
	} {
		if strings.TrimSpace(v) != "" {
			out[name] = v
		}
	}
	return out
}
