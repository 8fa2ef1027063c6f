// Package pois finds nearby civic infrastructure (police, fire, hospital
// and similar) via the OpenStreetMap Overpass API. Results are grouped per
// category with the closest hit precomputed, which is what the dashboard
// actually renders.
package pois

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"pibackend/internal/source"
)

const SourceName = "pois"

var overpassURL = "https://overpass-api.de/api/interpreter"

// queries maps a category to its Overpass QL node filter.
var queries = map[string]string{
	"police":       `node["amenity"="police"]`,
	"fire_station": `node["amenity"="fire_station"]`,
	"hospital":     `node["amenity"="hospital"]`,
	"post_office":  `node["amenity"="post_office"]`,
	"townhall":     `node["amenity"="townhall"]`,
	"power_plant":  `node["power"="plant"]`,
	"water_tower":  `node["man_made"="water_tower"]`,
}

type Adapter struct {
	client   *source.Client
	radiusKM float64
	types    []string
}

func New(client *source.Client, radiusKM float64, types []string) *Adapter {
	if radiusKM <= 0 {
		radiusKM = 50
	}
	if len(types) == 0 {
		types = allTypes()
	}
	return &Adapter{client: client, radiusKM: radiusKM, types: types}
}

func allTypes() []string {
	out := make([]string, 0, len(queries))
	for t := range queries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) Name() string { return SourceName }

func (a *Adapter) Fetch(ctx context.Context, p source.Params) (source.Payload, error) {
	if !p.HasLocation {
		return nil, source.Errf(source.KindUnavailable, "no location available")
	}

	bbox := boundingBox(p.Lat, p.Lon, a.radiusKM)

	type result struct {
		typ  string
		pois []poi
		err  error
	}
	results := make(chan result, len(a.types))
	var wg sync.WaitGroup
	for _, typ := range a.types {
		q, ok := queries[typ]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(typ, q string) {
			defer wg.Done()
			pois, err := a.query(ctx, q, bbox)
			results <- result{typ, pois, err}
		}(typ, q)
	}
	wg.Wait()
	close(results)

	byType := source.Payload{}
	okCount := 0
	for r := range results {
		if r.err != nil {
			byType[r.typ] = map[string]any{"error": r.err.Error()}
			continue
		}
		okCount++
		entry := map[string]any{"count": len(r.pois)}
		if closest := closestPOI(p.Lat, p.Lon, r.pois); closest != nil {
			entry["closest"] = closest.toMap()
		}
		byType[r.typ] = entry
	}
	if okCount == 0 {
		return nil, source.Errf(source.KindUnavailable, "all overpass queries failed")
	}

	return source.Payload{
		"radius_km": a.radiusKM,
		"location": map[string]any{
			"latitude":  p.Lat,
			"longitude": p.Lon,
		},
		"categories": byType,
	}, nil
}

type poi struct {
	ID         int64
	Lat        float64
	Lon        float64
	Name       string
	DistanceKM float64
}

func (p *poi) toMap() map[string]any {
	m := map[string]any{
		"latitude":    p.Lat,
		"longitude":   p.Lon,
		"distance_km": math.Round(p.DistanceKM*100) / 100,
	}
	if p.Name != "" {
		m["name"] = p.Name
	}
	return m
}

func (a *Adapter) query(ctx context.Context, filter, bbox string) ([]poi, error) {
	q := fmt.Sprintf("[out:json];%s(%s);out;", filter, bbox)

	var raw struct {
		Elements []struct {
			ID   int64             `json:"id"`
			Lat  float64           `json:"lat"`
			Lon  float64           `json:"lon"`
			Tags map[string]string `json:"tags"`
		} `json:"elements"`
	}
	if err := a.client.PostRaw(ctx, overpassURL, "text/plain", []byte(q), &raw); err != nil {
		return nil, err
	}

	out := make([]poi, 0, len(raw.Elements))
	for _, e := range raw.Elements {
		out = append(out, poi{ID: e.ID, Lat: e.Lat, Lon: e.Lon, Name: e.Tags["name"]})
	}
	return out, nil
}

// boundingBox returns the Overpass "south,west,north,east" box around a
// point. Longitude degrees shrink with latitude.
func boundingBox(lat, lon, radiusKM float64) string {
	latDelta := radiusKM / 111.1
	lonDelta := radiusKM / (111.1 * math.Abs(math.Cos(lat*math.Pi/180)))
	return strings.Join([]string{
		source.FmtCoord(lat - latDelta),
		source.FmtCoord(lon - lonDelta),
		source.FmtCoord(lat + latDelta),
		source.FmtCoord(lon + lonDelta),
	}, ",")
}

func closestPOI(lat, lon float64, pois []poi) *poi {
	var best *poi
	for i := range pois {
		d := haversineKM(lat, lon, pois[i].Lat, pois[i].Lon)
		if best == nil || d < best.DistanceKM {
			pois[i].DistanceKM = d
			best = &pois[i]
		}
	}
	return best
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}
