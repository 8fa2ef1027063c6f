// Package astro collects sky data: upcoming visible ISS passes from the
// N2YO API plus the static major meteor shower calendar. Pass prediction
// needs an observer location; showers do not.
package astro

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"pibackend/internal/source"
)

const SourceName = "astronomy"

var n2yoBase = "https://api.n2yo.com/rest/v1/satellite"

// issNoradID is the NORAD catalog number of the ISS (ZARYA).
const issNoradID = 25544

type Adapter struct {
	client *source.Client
	keys   source.KeyLookup

	days          int
	minVisibility int
}

func New(client *source.Client, keys source.KeyLookup) *Adapter {
	return &Adapter{client: client, keys: keys, days: 2, minVisibility: 60}
}

func (a *Adapter) Name() string { return SourceName }

func (a *Adapter) Fetch(ctx context.Context, p source.Params) (source.Payload, error) {
	out := source.Payload{
		"meteor_showers": meteorShowers(time.Now().UTC().Year()),
	}

	if !p.HasLocation {
		out["satellite_passes"] = map[string]any{"error": "no location available"}
		return out, nil
	}

	passes, err := a.issPasses(ctx, p.Lat, p.Lon)
	if err != nil {
		// Showers alone are not worth a reading; the passes are the point.
		return nil, err
	}
	out["satellite_passes"] = passes
	return out, nil
}

func (a *Adapter) issPasses(ctx context.Context, lat, lon float64) (map[string]any, error) {
	if a.keys == nil {
		return nil, source.Errf(source.KindUnauthorized, "n2yo: no key store configured")
	}
	key, err := a.keys.APIKey(ctx, "n2yo")
	if err != nil || key == "" {
		return nil, source.Errf(source.KindUnauthorized, "n2yo: api key not configured")
	}

	u := fmt.Sprintf("%s/visualpasses/%d/%s/%s/0/%d/%d/&apiKey=%s",
		n2yoBase, issNoradID, source.FmtCoord(lat), source.FmtCoord(lon),
		a.days, a.minVisibility, url.QueryEscape(key))

	var raw struct {
		Info struct {
			Satname   string `json:"satname"`
			Passcount int    `json:"passescount"`
		} `json:"info"`
		Passes []struct {
			StartUTC    int64   `json:"startUTC"`
			StartAz     float64 `json:"startAz"`
			MaxUTC      int64   `json:"maxUTC"`
			MaxAz       float64 `json:"maxAz"`
			MaxEl       float64 `json:"maxEl"`
			EndUTC      int64   `json:"endUTC"`
			EndAz       float64 `json:"endAz"`
			Mag         float64 `json:"mag"`
			DurationSec int     `json:"duration"`
		} `json:"passes"`
	}
	if err := a.client.GetJSON(ctx, u, nil, &raw); err != nil {
		return nil, err
	}

	passes := make([]map[string]any, 0, len(raw.Passes))
	for _, ps := range raw.Passes {
		passes = append(passes, map[string]any{
			"start_utc":        time.Unix(ps.StartUTC, 0).UTC().Format(time.RFC3339),
			"start_azimuth":    ps.StartAz,
			"peak_utc":         time.Unix(ps.MaxUTC, 0).UTC().Format(time.RFC3339),
			"peak_azimuth":     ps.MaxAz,
			"peak_elevation":   ps.MaxEl,
			"end_utc":          time.Unix(ps.EndUTC, 0).UTC().Format(time.RFC3339),
			"end_azimuth":      ps.EndAz,
			"magnitude":        ps.Mag,
			"duration_minutes": float64(ps.DurationSec) / 60,
		})
	}
	return map[string]any{
		"satellite": raw.Info.Satname,
		"norad_id":  issNoradID,
		"passes":    passes,
	}, nil
}

// meteorShowers is the AMS major shower calendar; peaks shift by at most a
// day year to year, close enough for a dashboard.
func meteorShowers(year int) []map[string]any {
	type shower struct {
		name    string
		peak    string // month-day
		radiant string
		zhr     int
	}
	all := []shower{
		{"Quadrantids", "01-03", "Boötes", 120},
		{"Lyrids", "04-22", "Lyra", 18},
		{"Eta Aquarids", "05-05", "Aquarius", 55},
		{"Delta Aquarids", "07-28", "Aquarius", 20},
		{"Perseids", "08-12", "Perseus", 100},
		{"Orionids", "10-21", "Orion", 20},
		{"Leonids", "11-17", "Leo", 15},
		{"Geminids", "12-14", "Gemini", 120},
		{"Ursids", "12-22", "Ursa Minor", 10},
	}
	out := make([]map[string]any, 0, len(all))
	for _, s := range all {
		out = append(out, map[string]any{
			"name":      s.name,
			"peak_date": fmt.Sprintf("%d-%s", year, s.peak),
			"radiant":   s.radiant,
			"zhr":       s.zhr,
		})
	}
	return out
}
