package weather

import (
	"context"
	"fmt"
	"math"
	"net/url"

	"pibackend/internal/source"
)

// Each provider returns a normalized payload:
// {"current": {"temperature_c", "description", ...}, "daily": [...]}.

// Base URLs are variables so tests can point providers at a local server.
var (
	openWeatherBase = "https://api.openweathermap.org"
	noaaBase        = "https://api.weather.gov"
	windyURL        = "https://api.windy.com/api/point-forecast/v2"
	accuWeatherBase = "http://dataservice.accuweather.com"
)

func fetchOpenWeatherMap(ctx context.Context, a *Adapter, lat, lon float64) (source.Payload, error) {
	key, err := a.apiKey(ctx, "openweathermap")
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/data/2.5/weather?lat=%s&lon=%s&appid=%s&units=metric",
		openWeatherBase, source.FmtCoord(lat), source.FmtCoord(lon), url.QueryEscape(key))

	var raw struct {
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
		} `json:"main"`
		Weather []struct {
			Description string `json:"description"`
			Icon        string `json:"icon"`
		} `json:"weather"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
	}
	if err := a.client.GetJSON(ctx, u, nil, &raw); err != nil {
		return nil, err
	}

	cur := map[string]any{
		"temperature_c":    raw.Main.Temp,
		"humidity_percent": raw.Main.Humidity,
		"wind_mps":         raw.Wind.Speed,
	}
	if len(raw.Weather) > 0 {
		cur["description"] = raw.Weather[0].Description
		cur["icon"] = raw.Weather[0].Icon
	}
	return source.Payload{"current": cur}, nil
}

// NOAA is a two-step API: resolve the grid point for the coordinates, then
// fetch the forecast URL the point response names. No API key.
func fetchNOAA(ctx context.Context, a *Adapter, lat, lon float64) (source.Payload, error) {
	pointsURL := fmt.Sprintf("%s/points/%s,%s", noaaBase, source.FmtCoord(lat), source.FmtCoord(lon))

	var points struct {
		Properties struct {
			Forecast string `json:"forecast"`
		} `json:"properties"`
	}
	if err := a.client.GetJSON(ctx, pointsURL, nil, &points); err != nil {
		return nil, err
	}
	if points.Properties.Forecast == "" {
		return nil, source.Errf(source.KindMalformed, "noaa points response missing forecast url")
	}

	var fc struct {
		Properties struct {
			Periods []struct {
				StartTime     string  `json:"startTime"`
				IsDaytime     bool    `json:"isDaytime"`
				Temperature   float64 `json:"temperature"`
				ShortForecast string  `json:"shortForecast"`
				Icon          string  `json:"icon"`
			} `json:"periods"`
		} `json:"properties"`
	}
	if err := a.client.GetJSON(ctx, points.Properties.Forecast, nil, &fc); err != nil {
		return nil, err
	}
	periods := fc.Properties.Periods
	if len(periods) == 0 {
		return nil, source.Errf(source.KindMalformed, "noaa forecast has no periods")
	}

	// Forecast comes in ~12h periods; group them into days. Temperatures
	// arrive in Fahrenheit.
	type half map[string]any
	days := make([]map[string]any, 0, 7)
	byDate := map[string]map[string]any{}
	for _, p := range periods {
		if len(p.StartTime) < 10 {
			continue
		}
		date := p.StartTime[:10]
		d, ok := byDate[date]
		if !ok {
			if len(days) == 7 {
				break
			}
			d = map[string]any{"date": date}
			byDate[date] = d
			days = append(days, d)
		}
		h := half{"temp_c": fahrenheitToCelsius(p.Temperature), "description": p.ShortForecast}
		if p.IsDaytime {
			d["day"] = h
		} else {
			d["night"] = h
		}
	}

	first := periods[0]
	return source.Payload{
		"current": map[string]any{
			"temperature_c": fahrenheitToCelsius(first.Temperature),
			"description":   first.ShortForecast,
			"icon_url":      first.Icon,
		},
		"daily": days,
	}, nil
}

func fetchWindy(ctx context.Context, a *Adapter, lat, lon float64) (source.Payload, error) {
	key, err := a.apiKey(ctx, "windy")
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"lat":        lat,
		"lon":        lon,
		"model":      "gfs",
		"parameters": []string{"temp", "rh", "wind"},
		"levels":     []string{"surface"},
		"key":        key,
	}

	var raw struct {
		TempSurface []float64 `json:"temp-surface"`
		RHSurface   []float64 `json:"rh-surface"`
	}
	if err := a.client.PostJSON(ctx, windyURL, nil, body, &raw); err != nil {
		return nil, err
	}
	if len(raw.TempSurface) == 0 {
		return nil, source.Errf(source.KindMalformed, "windy response missing temp-surface")
	}

	// GFS surface temperature is in Kelvin.
	cur := map[string]any{
		"temperature_c": round2(raw.TempSurface[0] - 273.15),
		"description":   "Windy.com GFS model",
	}
	if len(raw.RHSurface) > 0 {
		cur["humidity_percent"] = round2(raw.RHSurface[0])
	}
	return source.Payload{"current": cur}, nil
}

// AccuWeather needs a location key before conditions can be fetched.
func fetchAccuWeather(ctx context.Context, a *Adapter, lat, lon float64) (source.Payload, error) {
	key, err := a.apiKey(ctx, "accuweather")
	if err != nil {
		return nil, err
	}
	locURL := fmt.Sprintf("%s/locations/v1/cities/geoposition/search?apikey=%s&q=%s%%2C%s",
		accuWeatherBase, url.QueryEscape(key), source.FmtCoord(lat), source.FmtCoord(lon))

	var loc struct {
		Key string `json:"Key"`
	}
	if err := a.client.GetJSON(ctx, locURL, nil, &loc); err != nil {
		return nil, err
	}
	if loc.Key == "" {
		return nil, source.Errf(source.KindMalformed, "accuweather returned no location key")
	}

	condURL := fmt.Sprintf("%s/currentconditions/v1/%s?apikey=%s&details=true",
		accuWeatherBase, url.PathEscape(loc.Key), url.QueryEscape(key))

	var conds []struct {
		WeatherText string `json:"WeatherText"`
		Temperature struct {
			Metric struct {
				Value float64 `json:"Value"`
			} `json:"Metric"`
		} `json:"Temperature"`
		RelativeHumidity float64 `json:"RelativeHumidity"`
	}
	if err := a.client.GetJSON(ctx, condURL, nil, &conds); err != nil {
		return nil, err
	}
	if len(conds) == 0 {
		return nil, source.Errf(source.KindMalformed, "accuweather returned no conditions")
	}
	c := conds[0]
	return source.Payload{
		"current": map[string]any{
			"temperature_c":    c.Temperature.Metric.Value,
			"description":      c.WeatherText,
			"humidity_percent": c.RelativeHumidity,
		},
	}, nil
}

func fahrenheitToCelsius(f float64) float64 {
	return round2((f - 32) * 5 / 9)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
