// Package ups reports battery state from an INA219-style power monitor.
// The chip driver itself is a collaborator behind the Reader interface;
// this package only derives the user-facing battery picture from raw
// electrical readings.
package ups

import (
	"context"
	"math"

	"pibackend/internal/source"
)

const SourceName = "ups"

// Battery voltage window for the 2S li-ion pack the stock UPS hat uses.
const (
	voltageEmpty = 3.0
	voltageFull  = 4.2

	// Above this charge current the pack is actively charging; below
	// -5 mA it is discharging. In between it idles.
	chargeDoneMA = 20.0
)

// Reader is the power-monitor read contract. Implementations wrap the
// actual chip (I2C) or a sysfs hwmon node and must be safe to call from a
// single goroutine at a time, which the scheduler guarantees.
type Reader interface {
	// Voltage returns bus voltage in volts.
	Voltage() (float64, error)
	// Current returns battery current in mA, negative while discharging.
	Current() (float64, error)
	// Power returns power draw in watts.
	Power() (float64, error)
}

type Adapter struct {
	r Reader
}

func New(r Reader) *Adapter { return &Adapter{r: r} }

func (a *Adapter) Name() string { return SourceName }

func (a *Adapter) Fetch(ctx context.Context, _ source.Params) (source.Payload, error) {
	if a.r == nil {
		return nil, source.Errf(source.KindUnavailable, "no power monitor attached")
	}
	if err := ctx.Err(); err != nil {
		return nil, source.Wrap(source.KindTimeout, err)
	}

	v, err := a.r.Voltage()
	if err != nil {
		return nil, source.Errf(source.KindUnavailable, "read voltage: %v", err)
	}
	ma, err := a.r.Current()
	if err != nil {
		return nil, source.Errf(source.KindUnavailable, "read current: %v", err)
	}
	w, err := a.r.Power()
	if err != nil {
		return nil, source.Errf(source.KindUnavailable, "read power: %v", err)
	}

	pct := BatteryPercent(v)
	p := source.Payload{
		"voltage_v":       round2(v),
		"current_ma":      round2(ma),
		"power_w":         round2(w),
		"battery_percent": round2(pct),
		"status":          Status(v, ma),
	}
	if hrs := runtimeEstimate(pct, ma); hrs > 0 {
		p["time_remaining_hours"] = round2(hrs)
	}
	return p, nil
}

// BatteryPercent maps cell voltage linearly onto 0..100. The result is
// clamped after the division so float error cannot push it past the rails.
func BatteryPercent(voltage float64) float64 {
	pct := (voltage - voltageEmpty) / (voltageFull - voltageEmpty) * 100
	return math.Min(math.Max(pct, 0), 100)
}

// Status derives the battery state string from voltage and current.
func Status(voltage, currentMA float64) string {
	switch {
	case currentMA > chargeDoneMA:
		return "CHARGING"
	case currentMA < -5:
		return "DISCHARGING"
	case voltage >= voltageFull:
		return "CHARGED"
	case voltage <= voltageEmpty:
		return "EMPTY"
	default:
		return "IDLE"
	}
}

// runtimeEstimate guesses hours to full (charging) or empty (discharging)
// for a nominal 1000 mAh pack. Near-zero current gives no estimate.
func runtimeEstimate(percent, currentMA float64) float64 {
	const capacityMAH = 1000
	if math.Abs(currentMA) < 10 {
		return 0
	}
	if currentMA > 0 {
		return (100 - percent) / 100 * capacityMAH / currentMA
	}
	return percent / 100 * capacityMAH / -currentMA
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
