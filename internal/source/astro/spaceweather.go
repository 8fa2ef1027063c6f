package astro

import (
	"context"

	"pibackend/internal/source"
)

// SpaceWeatherName is the job source name for the SWPC adapter.
const SpaceWeatherName = "space_weather"

var swpcBase = "https://services.swpc.noaa.gov"

// SpaceWeather reads current geomagnetic conditions from NOAA SWPC: the
// planetary K-index plus the R/S/G scale summary. No API key needed.
type SpaceWeather struct {
	client *source.Client
}

func NewSpaceWeather(client *source.Client) *SpaceWeather {
	return &SpaceWeather{client: client}
}

func (s *SpaceWeather) Name() string { return SpaceWeatherName }

func (s *SpaceWeather) Fetch(ctx context.Context, _ source.Params) (source.Payload, error) {
	out := source.Payload{}

	// Most recent 1-minute planetary K-index estimate.
	var kp []struct {
		TimeTag string  `json:"time_tag"`
		KpIndex float64 `json:"estimated_kp"`
	}
	if err := s.client.GetJSON(ctx, swpcBase+"/json/planetary_k_index_1m.json", nil, &kp); err != nil {
		return nil, err
	}
	if len(kp) == 0 {
		return nil, source.Errf(source.KindMalformed, "swpc returned empty k-index series")
	}
	latest := kp[len(kp)-1]
	out["kp_index"] = latest.KpIndex
	out["kp_time"] = latest.TimeTag
	out["storm_level"] = gScale(latest.KpIndex)

	// Scale summary is keyed by offset day ("-1", "0", "1"); "0" is now.
	var scales map[string]struct {
		R struct {
			Scale string `json:"Scale"`
			Text  string `json:"Text"`
		} `json:"R"`
		S struct {
			Scale string `json:"Scale"`
			Text  string `json:"Text"`
		} `json:"S"`
		G struct {
			Scale string `json:"Scale"`
			Text  string `json:"Text"`
		} `json:"G"`
	}
	if err := s.client.GetJSON(ctx, swpcBase+"/products/noaa-scales.json", nil, &scales); err == nil {
		if today, ok := scales["0"]; ok {
			out["scales"] = map[string]any{
				"radio_blackout":    map[string]any{"scale": "R" + today.R.Scale, "text": today.R.Text},
				"solar_radiation":   map[string]any{"scale": "S" + today.S.Scale, "text": today.S.Text},
				"geomagnetic_storm": map[string]any{"scale": "G" + today.G.Scale, "text": today.G.Text},
			}
		}
	}
	return out, nil
}

// gScale maps Kp onto the NOAA geomagnetic storm scale.
func gScale(kp float64) string {
	switch {
	case kp >= 9:
		return "G5"
	case kp >= 8:
		return "G4"
	case kp >= 7:
		return "G3"
	case kp >= 6:
		return "G2"
	case kp >= 5:
		return "G1"
	default:
		return "G0"
	}
}
