package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pibackend/internal/source"
	"pibackend/internal/store"
	logx "pibackend/pkg/logx"
)

// fixMaxAge is how old a stored GNSS fix can be before the configured
// fallback is used instead.
const fixMaxAge = 10 * time.Minute

// geocodeURL is a var so tests can point it at a local server.
var geocodeURL = "https://nominatim.openstreetmap.org/search"

// locator resolves location parameters for uses_location jobs: the latest
// stored GNSS fix when it is fresh, otherwise the configured fallback. A
// free-form fallback ("Berlin") is geocoded once and cached for the life
// of the process; the configured place does not move.
type locator struct {
	st       *store.Store
	client   *source.Client
	fallback string
	log      logx.Logger

	mu      sync.Mutex
	cached  bool
	cachedP source.Params
}

func newLocator(st *store.Store, client *source.Client, fallback string, log logx.Logger) *locator {
	return &locator{
		st:       st,
		client:   client,
		fallback: strings.TrimSpace(fallback),
		log:      log.With(logx.String("component", "locator")),
	}
}

func (l *locator) Resolve(ctx context.Context) (source.Params, error) {
	if p, ok := l.fromFix(ctx); ok {
		return p, nil
	}
	if l.fallback == "" {
		return source.Params{}, errors.New("no recent fix and no location fallback configured")
	}
	if lat, lon, ok := parseLatLon(l.fallback); ok {
		return source.Params{HasLocation: true, Lat: lat, Lon: lon}, nil
	}
	return l.geocode(ctx)
}

func (l *locator) fromFix(ctx context.Context) (source.Params, bool) {
	r, err := l.st.LatestReading(ctx, "gps")
	if err != nil {
		return source.Params{}, false
	}
	if r.Status != store.StatusOK || time.Since(r.At) > fixMaxAge {
		return source.Params{}, false
	}
	if status, _ := r.Payload["status"].(string); status != "success" {
		return source.Params{}, false
	}
	lat, okLat := r.Payload["latitude"].(float64)
	lon, okLon := r.Payload["longitude"].(float64)
	if !okLat || !okLon {
		return source.Params{}, false
	}
	return source.Params{HasLocation: true, Lat: lat, Lon: lon}, true
}

// geocode resolves the free-form fallback to coordinates via Nominatim.
// Only a successful lookup is cached, so a transient failure retries on
// the next uses_location run.
func (l *locator) geocode(ctx context.Context) (source.Params, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached {
		return l.cachedP, nil
	}

	q := url.Values{}
	q.Set("q", l.fallback)
	q.Set("format", "json")
	q.Set("limit", "1")
	var hits []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	headers := map[string]string{"User-Agent": "pibackend"}
	if err := l.client.GetJSON(ctx, geocodeURL+"?"+q.Encode(), headers, &hits); err != nil {
		return source.Params{}, fmt.Errorf("geocode %q: %w", l.fallback, err)
	}
	if len(hits) == 0 {
		return source.Params{}, fmt.Errorf("geocode %q: no results", l.fallback)
	}
	lat, err1 := strconv.ParseFloat(hits[0].Lat, 64)
	lon, err2 := strconv.ParseFloat(hits[0].Lon, 64)
	if err1 != nil || err2 != nil {
		return source.Params{}, fmt.Errorf("geocode %q: bad coordinates %q,%q", l.fallback, hits[0].Lat, hits[0].Lon)
	}

	l.cachedP = source.Params{HasLocation: true, Lat: lat, Lon: lon}
	l.cached = true
	l.log.Info("fallback location geocoded",
		logx.String("place", l.fallback),
		logx.Float64("lat", lat),
		logx.Float64("lon", lon))
	return l.cachedP, nil
}

func parseLatLon(s string) (lat, lon float64, ok bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}
