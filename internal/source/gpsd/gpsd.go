// Package gpsd reads position fixes from a gpsd daemon over its JSON
// socket protocol. The adapter owns the connection exclusively; the
// scheduler's one-run-per-source guarantee means no double-open.
package gpsd

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"pibackend/internal/source"
)

const SourceName = "gps"

// watch enables the JSON report stream on connect.
const watchCommand = `?WATCH={"enable":true,"json":true}` + "\n"

type Adapter struct {
	addr string

	mu sync.Mutex // serializes socket access
}

func New(addr string) *Adapter {
	if addr == "" {
		addr = "127.0.0.1:2947"
	}
	return &Adapter{addr: addr}
}

func (a *Adapter) Name() string { return SourceName }

// tpv is gpsd's time-position-velocity report. Mode 2 is a 2D fix, 3 a 3D
// fix; below that the receiver has no usable position.
type tpv struct {
	Class  string  `json:"class"`
	Mode   int     `json:"mode"`
	Time   string  `json:"time"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Alt    float64 `json:"altMSL"`
	AltHAE float64 `json:"alt"`
	Speed  float64 `json:"speed"` // m/s
	Track  float64 `json:"track"`
}

type sky struct {
	Class      string `json:"class"`
	Satellites []struct {
		Used bool `json:"used"`
	} `json:"satellites"`
}

func (a *Adapter) Fetch(ctx context.Context, _ source.Params) (source.Payload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return nil, source.Errf(source.KindUnavailable, "gpsd at %s: %v", a.addr, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if _, err := conn.Write([]byte(watchCommand)); err != nil {
		return nil, source.Wrap(source.KindUnavailable, err)
	}

	var (
		fix      *tpv
		seen     int
		satsUsed = -1
	)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, source.Wrap(source.KindTimeout, err)
		}
		line := sc.Bytes()

		var probe struct {
			Class string `json:"class"`
		}
		if json.Unmarshal(line, &probe) != nil {
			continue
		}
		switch probe.Class {
		case "TPV":
			var t tpv
			if err := json.Unmarshal(line, &t); err != nil {
				return nil, source.Wrap(source.KindMalformed, err)
			}
			seen++
			if t.Mode >= 2 {
				fix = &t
			}
			// A handful of reports without a fix means the receiver is up
			// but searching; report that instead of burning the deadline.
			if fix != nil && satsUsed >= 0 {
				return a.payload(fix, satsUsed), nil
			}
			if fix == nil && seen >= 5 {
				return source.Payload{
					"status":   "pending_fix",
					"fix_type": "none",
				}, nil
			}
		case "SKY":
			var s sky
			if json.Unmarshal(line, &s) == nil {
				satsUsed = 0
				for _, sat := range s.Satellites {
					if sat.Used {
						satsUsed++
					}
				}
			}
			if fix != nil {
				return a.payload(fix, satsUsed), nil
			}
		}
	}
	if fix != nil {
		return a.payload(fix, satsUsed), nil
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, source.Wrap(source.KindTimeout, ctx.Err())
		}
		return nil, source.Wrap(source.KindUnavailable, err)
	}
	return nil, source.Errf(source.KindUnavailable, "gpsd stream closed before any report")
}

func (a *Adapter) payload(t *tpv, sats int) source.Payload {
	alt := t.Alt
	if alt == 0 {
		alt = t.AltHAE
	}
	p := source.Payload{
		"status":     "success",
		"fix_type":   fixType(t.Mode),
		"latitude":   t.Lat,
		"longitude":  t.Lon,
		"altitude_m": alt,
		"speed_kmh":  t.Speed * 3.6,
		"course_deg": t.Track,
	}
	if sats >= 0 {
		p["satellites_used"] = sats
	}
	if ts, err := time.Parse(time.RFC3339, t.Time); err == nil {
		p["fix_time"] = ts.UTC().Format(time.RFC3339)
	}
	return p
}

func fixType(mode int) string {
	switch mode {
	case 2:
		return "2D"
	case 3:
		return "3D"
	default:
		return "none"
	}
}
