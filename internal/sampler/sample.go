package sampler

import (
	"sort"
	"time"
)

// Sample is one normalised telemetry snapshot. Every field carries a concrete
// value; Retained lists the fields that were carried over from the previous
// sample (or defaulted to zero) because this poll could not read them.
type Sample struct {
	DeviceID     string    `json:"device_id"`
	Timestamp    time.Time `json:"ts"`
	TemperatureC float64   `json:"temperature_c"`
	GPUUtilPct   float64   `json:"gpu_util_pct"`
	MemUtilPct   float64   `json:"mem_util_pct"`
	PowerW       float64   `json:"power_w"`
	PowerLimitW  float64   `json:"power_limit_w"`
	CoreClockMHz float64   `json:"core_clock_mhz"`
	MemClockMHz  float64   `json:"mem_clock_mhz"`
	FanPct       float64   `json:"fan_pct"`
	MemUsedMB    float64   `json:"mem_used_mb"`
	MemTotalMB   float64   `json:"mem_total_mb"`
	Retained     []string  `json:"retained,omitempty"`
}

// Metric names one plottable series derived from samples.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricGPUUtil     Metric = "gpu_util"
	MetricMemUtil     Metric = "mem_util"
	MetricPower       Metric = "power"
	MetricPowerLimit  Metric = "power_limit"
	MetricCoreClock   Metric = "core_clock"
	MetricMemClock    Metric = "mem_clock"
	MetricFan         Metric = "fan"
	MetricMemUsed     Metric = "mem_used"
	MetricMemUsedPct  Metric = "mem_used_pct"
)

var extractors = map[Metric]func(Sample) float64{
	MetricTemperature: func(s Sample) float64 { return s.TemperatureC },
	MetricGPUUtil:     func(s Sample) float64 { return s.GPUUtilPct },
	MetricMemUtil:     func(s Sample) float64 { return s.MemUtilPct },
	MetricPower:       func(s Sample) float64 { return s.PowerW },
	MetricPowerLimit:  func(s Sample) float64 { return s.PowerLimitW },
	MetricCoreClock:   func(s Sample) float64 { return s.CoreClockMHz },
	MetricMemClock:    func(s Sample) float64 { return s.MemClockMHz },
	MetricFan:         func(s Sample) float64 { return s.FanPct },
	MetricMemUsed:     func(s Sample) float64 { return s.MemUsedMB },
	MetricMemUsedPct:  Sample.MemUsedPct,
}

// ParseMetric validates a metric name.
func ParseMetric(name string) (Metric, bool) {
	m := Metric(name)
	_, ok := extractors[m]
	return m, ok
}

// Metrics lists every known metric, sorted by name.
func Metrics() []Metric {
	out := make([]Metric, 0, len(extractors))
	for m := range extractors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Extractor returns the projection for m. Unknown metrics project to zero.
func (m Metric) Extractor() func(Sample) float64 {
	if fn, ok := extractors[m]; ok {
		return fn
	}
	return func(Sample) float64 { return 0 }
}

// MemUsedPct reports VRAM usage as a percentage of the total.
func (s Sample) MemUsedPct() float64 {
	if s.MemTotalMB <= 0 {
		return 0
	}
	return s.MemUsedMB / s.MemTotalMB * 100
}
