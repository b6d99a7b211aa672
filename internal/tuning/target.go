package tuning

import (
	"math"

	"github.com/skobkin/gputune/internal/config"
)

// FanCurvePoint is one (temperature, duty) pair of a fan curve.
type FanCurvePoint struct {
	TemperatureC float64 `json:"temperature_c"`
	FanPct       float64 `json:"fan_pct"`
}

// Target is the desired tuning state of one device. Clock deltas are relative
// to the baseline sample at apply time; the power limit is a percentage of
// the baseline power limit.
type Target struct {
	CoreClockDeltaMHz int             `json:"core_clock_delta_mhz"`
	MemClockDeltaMHz  int             `json:"mem_clock_delta_mhz"`
	PowerLimitPct     int             `json:"power_limit_pct"`
	FanCurve          []FanCurvePoint `json:"fan_curve"`
}

func (t Target) clone() Target {
	t.FanCurve = append([]FanCurvePoint(nil), t.FanCurve...)
	return t
}

// defaults builds the stock target: no clock change, 100% power, the
// configured fan ramp.
func defaults(cfg config.TuningConfig) Target {
	curve := make([]FanCurvePoint, len(cfg.FanAnchorsC))
	for i, temp := range cfg.FanAnchorsC {
		curve[i] = FanCurvePoint{TemperatureC: temp, FanPct: cfg.DefaultFanRamp[i]}
	}
	return Target{PowerLimitPct: 100, FanCurve: curve}
}

// normalize clamps every field into range, pins the curve to the configured
// anchors and makes fan duty non-decreasing with temperature. Points missing
// from the input take the default ramp value.
func normalize(t Target, cfg config.TuningConfig) Target {
	out := Target{
		CoreClockDeltaMHz: clampInt(t.CoreClockDeltaMHz, -cfg.CoreOffsetLimitMHz, cfg.CoreOffsetLimitMHz),
		MemClockDeltaMHz:  clampInt(t.MemClockDeltaMHz, -cfg.MemOffsetLimitMHz, cfg.MemOffsetLimitMHz),
		PowerLimitPct:     clampInt(t.PowerLimitPct, int(math.Ceil(cfg.PowerPctMin)), int(math.Floor(cfg.PowerPctMax))),
		FanCurve:          make([]FanCurvePoint, len(cfg.FanAnchorsC)),
	}

	floor := 0.0
	for i, temp := range cfg.FanAnchorsC {
		pct := cfg.DefaultFanRamp[i]
		if i < len(t.FanCurve) {
			pct = t.FanCurve[i].FanPct
		}
		if math.IsNaN(pct) {
			pct = cfg.DefaultFanRamp[i]
		}
		pct = math.Max(clampFloat(pct, 0, 100), floor)
		floor = pct
		out.FanCurve[i] = FanCurvePoint{TemperatureC: temp, FanPct: pct}
	}

	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
