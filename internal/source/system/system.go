// Package system collects local machine stats: CPU, memory, disk, load,
// uptime. No external services involved, so this is the one source that
// should basically never fail.
package system

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"pibackend/internal/source"
)

const SourceName = "system"

type Adapter struct {
	diskPath string
}

func New(diskPath string) *Adapter {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Adapter{diskPath: diskPath}
}

func (a *Adapter) Name() string { return SourceName }

func (a *Adapter) Fetch(ctx context.Context, _ source.Params) (source.Payload, error) {
	out := source.Payload{}

	// Interval 0 means "since last call", which gopsutil tracks internally;
	// good enough for a periodic poll and avoids a blocking sample window.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out["cpu_percent"] = round1(pct[0])
	} else if err != nil {
		return nil, source.Wrap(source.KindUnavailable, err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, source.Wrap(source.KindUnavailable, err)
	}
	out["memory_percent"] = round1(vm.UsedPercent)
	out["memory_total_bytes"] = vm.Total
	out["memory_available_bytes"] = vm.Available

	du, err := disk.UsageWithContext(ctx, a.diskPath)
	if err != nil {
		return nil, source.Wrap(source.KindUnavailable, err)
	}
	out["disk_percent"] = round1(du.UsedPercent)
	out["disk_total_bytes"] = du.Total
	out["disk_free_bytes"] = du.Free
	out["disk_path"] = a.diskPath

	if la, err := load.AvgWithContext(ctx); err == nil {
		out["load_1"] = la.Load1
		out["load_5"] = la.Load5
		out["load_15"] = la.Load15
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		out["uptime_seconds"] = up
	}
	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			// Pi exposes the SoC sensor as cpu_thermal or cpu-thermal.
			if t.SensorKey == "cpu_thermal" || t.SensorKey == "cpu-thermal" {
				out["cpu_temp_c"] = round1(t.Temperature)
				break
			}
		}
	}
	return out, nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
