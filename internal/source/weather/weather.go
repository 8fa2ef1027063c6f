// Package weather aggregates current conditions from several public
// forecast APIs into one reading. Providers run concurrently; a provider
// failure is recorded inline in the payload rather than failing the whole
// fetch, so one flaky upstream does not cost the reading.
package weather

import (
	"context"
	"sort"
	"sync"

	"pibackend/internal/source"
)

const SourceName = "weather"

type provider struct {
	name  string
	fetch func(ctx context.Context, a *Adapter, lat, lon float64) (source.Payload, error)
}

var providers = []provider{
	{"openweathermap", fetchOpenWeatherMap},
	{"noaa", fetchNOAA},
	{"windy", fetchWindy},
	{"accuweather", fetchAccuWeather},
}

type Adapter struct {
	client *source.Client
	keys   source.KeyLookup
	names  []string
}

// New builds the adapter. enabled selects a subset of providers; empty
// means all of them.
func New(client *source.Client, keys source.KeyLookup, enabled []string) *Adapter {
	return &Adapter{client: client, keys: keys, names: enabled}
}

func (a *Adapter) Name() string { return SourceName }

func (a *Adapter) Fetch(ctx context.Context, p source.Params) (source.Payload, error) {
	if !p.HasLocation {
		return nil, source.Errf(source.KindUnavailable, "no location available")
	}

	selected := a.selected()
	if len(selected) == 0 {
		return nil, source.Errf(source.KindUnavailable, "no weather providers enabled")
	}

	type result struct {
		name    string
		payload source.Payload
		err     error
	}
	results := make(chan result, len(selected))
	var wg sync.WaitGroup
	for _, pr := range selected {
		wg.Add(1)
		go func(pr provider) {
			defer wg.Done()
			pl, err := pr.fetch(ctx, a, p.Lat, p.Lon)
			results <- result{pr.name, pl, err}
		}(pr)
	}
	wg.Wait()
	close(results)

	byProvider := source.Payload{}
	okCount := 0
	for r := range results {
		if r.err != nil {
			byProvider[r.name] = map[string]any{"error": r.err.Error()}
			continue
		}
		byProvider[r.name] = r.payload
		okCount++
	}
	if okCount == 0 {
		return nil, source.Errf(source.KindUnavailable, "all %d weather providers failed", len(selected))
	}

	return source.Payload{
		"location": map[string]any{
			"latitude":  p.Lat,
			"longitude": p.Lon,
		},
		"providers": byProvider,
	}, nil
}

func (a *Adapter) selected() []provider {
	if len(a.names) == 0 {
		return providers
	}
	want := make(map[string]bool, len(a.names))
	for _, n := range a.names {
		want[n] = true
	}
	out := make([]provider, 0, len(a.names))
	for _, p := range providers {
		if want[p.name] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// apiKey looks a provider's key up from the key store.
func (a *Adapter) apiKey(ctx context.Context, name string) (string, error) {
	if a.keys == nil {
		return "", source.Errf(source.KindUnauthorized, "%s: no key store configured", name)
	}
	k, err := a.keys.APIKey(ctx, name)
	if err != nil || k == "" {
		return "", source.Errf(source.KindUnauthorized, "%s: api key not configured", name)
	}
	return k, nil
}
