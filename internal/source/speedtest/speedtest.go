// Package speedtest measures internet throughput against speedtest.net
// servers. A run is expensive (tens of seconds, real bandwidth), so the
// job interval should be hours, not minutes.
package speedtest

import (
	"context"
	"math"
	"sort"

	st "github.com/showwin/speedtest-go/speedtest"

	"pibackend/internal/source"
)

const SourceName = "speedtest"

type Adapter struct {
	serverCount    int
	maxConnections int
}

func New() *Adapter {
	return &Adapter{serverCount: 5, maxConnections: 4}
}

func (a *Adapter) Name() string { return SourceName }

func (a *Adapter) Fetch(ctx context.Context, _ source.Params) (source.Payload, error) {
	// Fresh client per run: speedtest-go keeps snapshots and connections
	// around, and on a Pi that memory is better handed back.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		MaxConnections: a.maxConnections,
	}))
	stc.SetNThread(a.maxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, source.Wrap(source.KindUnavailable, err)
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, source.Wrap(source.KindUnavailable, err)
	}
	if avail := servers.Available(); avail != nil {
		servers = *avail
	}
	if len(servers) == 0 {
		return nil, source.Errf(source.KindUnavailable, "no speedtest servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := a.serverCount
	if n > len(servers) {
		n = len(servers)
	}

	// Ping the nearest candidates, run the full test on the lowest latency.
	best := pickByLatency(ctx, servers[:n])
	if best == nil {
		return nil, source.Errf(source.KindUnavailable, "all latency probes failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, source.Wrap(source.KindUnavailable, err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, source.Wrap(source.KindUnavailable, err)
	}

	return source.Payload{
		"download_mbps":      round2(best.DLSpeed.Mbps()),
		"upload_mbps":        round2(best.ULSpeed.Mbps()),
		"ping_ms":            float64(best.Latency.Milliseconds()),
		"jitter_ms":          float64(best.Jitter.Milliseconds()),
		"isp":                user.Isp,
		"server_name":        best.Sponsor,
		"server_country":     best.Country,
		"server_distance_km": round2(best.Distance),
	}, nil
}

func pickByLatency(ctx context.Context, candidates []*st.Server) *st.Server {
	var best *st.Server
	for _, s := range candidates {
		if ctx.Err() != nil {
			return best
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	return best
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
