package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gputune/internal/monitor"
	"github.com/skobkin/gputune/internal/sampler"
)

const metricsNamespace = "gputune"

type deviceMetricsCollector struct {
	monitor *monitor.Monitor
	backend *prometheus.Desc
	devices *prometheus.Desc
	metrics []deviceMetric
}

type deviceMetric struct {
	desc    *prometheus.Desc
	extract func(sample sampler.Sample) (float64, bool)
}

func always(f func(sampler.Sample) float64) func(sampler.Sample) (float64, bool) {
	return func(sample sampler.Sample) (float64, bool) {
		return f(sample), true
	}
}

func newDeviceMetricsCollector(mon *monitor.Monitor) prometheus.Collector {
	if mon == nil {
		return nil
	}

	collector := &deviceMetricsCollector{
		monitor: mon,
		backend: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "backend", "up"),
			"Whether the hardware backend initialised (1) or runs degraded (0).",
			[]string{"backend"},
			nil,
		),
		devices: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "backend", "devices"),
			"Number of enumerated devices.",
			nil,
			nil,
		),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "device", name),
			help,
			[]string{"device_id", "name"},
			nil,
		)
	}

	collector.metrics = []deviceMetric{
		{
			desc:    desc("temperature_celsius", "Current GPU temperature in Celsius."),
			extract: always(func(s sampler.Sample) float64 { return s.TemperatureC }),
		},
		{
			desc:    desc("busy_percent", "Current graphics engine utilisation percentage."),
			extract: always(func(s sampler.Sample) float64 { return s.GPUUtilPct }),
		},
		{
			desc:    desc("mem_busy_percent", "Current memory controller utilisation percentage."),
			extract: always(func(s sampler.Sample) float64 { return s.MemUtilPct }),
		},
		{
			desc:    desc("power_watts", "Current power draw in Watts."),
			extract: always(func(s sampler.Sample) float64 { return s.PowerW }),
		},
		{
			desc:    desc("power_limit_watts", "Current power limit in Watts."),
			extract: always(func(s sampler.Sample) float64 { return s.PowerLimitW }),
		},
		{
			desc:    desc("core_clock_mhz", "Current core clock in MHz."),
			extract: always(func(s sampler.Sample) float64 { return s.CoreClockMHz }),
		},
		{
			desc:    desc("mem_clock_mhz", "Current memory clock in MHz."),
			extract: always(func(s sampler.Sample) float64 { return s.MemClockMHz }),
		},
		{
			desc:    desc("fan_percent", "Current fan duty percentage."),
			extract: always(func(s sampler.Sample) float64 { return s.FanPct }),
		},
		{
			desc:    desc("vram_used_bytes", "Current VRAM usage in bytes."),
			extract: always(func(s sampler.Sample) float64 { return s.MemUsedMB * 1024 * 1024 }),
		},
		{
			desc:    desc("vram_total_bytes", "Total VRAM capacity in bytes."),
			extract: always(func(s sampler.Sample) float64 { return s.MemTotalMB * 1024 * 1024 }),
		},
		{
			desc: desc("sample_timestamp_seconds", "Unix timestamp of the latest sample."),
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				return float64(sample.Timestamp.Unix()), true
			},
		},
		{
			desc: desc("sample_age_seconds", "Seconds elapsed since the latest sample was collected."),
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				age := time.Since(sample.Timestamp).Seconds()
				if age < 0 {
					age = 0
				}
				return age, true
			},
		},
	}

	return collector
}

func (c *deviceMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.backend
	ch <- c.devices
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *deviceMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	status := c.monitor.Status()
	up := 1.0
	if status.Degraded {
		up = 0
	}
	ch <- prometheus.MustNewConstMetric(c.backend, prometheus.GaugeValue, up, status.Backend)
	ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(status.Devices))

	for _, dev := range c.monitor.ListDevices() {
		sample, err := c.monitor.LatestSample(dev.ID)
		if err != nil {
			continue
		}
		for _, metric := range c.metrics {
			value, ok := metric.extract(sample)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value, dev.ID, dev.Name)
		}
	}
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		s.applyTotal,
		s.fieldWrites,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if deviceCollector := newDeviceMetricsCollector(s.monitor); deviceCollector != nil {
		collectors = append(collectors, deviceCollector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
