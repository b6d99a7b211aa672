// Package sampler turns raw backend readings into normalised samples and
// drives the periodic sampling loop.
package sampler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/device"
)

const bytesPerMB = 1024 * 1024

// Sampler reads one device at a time. It keeps the previous sample per
// device so a field that fails to read keeps its last good value. It does not
// schedule itself.
type Sampler struct {
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	previous map[string]Sample
	forgets  map[string]uint64
}

// New creates a sampler reading through b.
func New(b backend.Backend, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sampler{
		backend:  b,
		logger:   logger.With("component", "sampler"),
		now:      time.Now,
		previous: make(map[string]Sample),
		forgets:  make(map[string]uint64),
	}
}

// Sample reads dev and returns a fully populated sample. A read that
// overlaps Forget for the same device does not leave retained state behind.
func (s *Sampler) Sample(ctx context.Context, dev device.Device) Sample {
	s.mu.Lock()
	generation := s.forgets[dev.ID]
	s.mu.Unlock()

	raw := s.backend.Read(ctx, dev.Handle)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.previous[dev.ID]
	out := Sample{
		DeviceID:  dev.ID,
		Timestamp: s.now(),
	}

	var retained []string
	field := func(name string, reading backend.Reading, scale float64, previous float64) float64 {
		if reading.OK() {
			return reading.Value / scale
		}
		retained = append(retained, name)
		return previous
	}

	out.TemperatureC = field("temperature_c", raw.TemperatureMilliC, 1000, prev.TemperatureC)
	out.GPUUtilPct = field("gpu_util_pct", raw.GPUUtilPct, 1, prev.GPUUtilPct)
	out.MemUtilPct = field("mem_util_pct", raw.MemUtilPct, 1, prev.MemUtilPct)
	out.PowerW = field("power_w", raw.PowerMilliW, 1000, prev.PowerW)
	out.PowerLimitW = field("power_limit_w", raw.PowerLimitMilliW, 1000, prev.PowerLimitW)
	out.CoreClockMHz = field("core_clock_mhz", raw.CoreClockMHz, 1, prev.CoreClockMHz)
	out.MemClockMHz = field("mem_clock_mhz", raw.MemClockMHz, 1, prev.MemClockMHz)
	out.FanPct = field("fan_pct", raw.FanPct, 1, prev.FanPct)
	out.MemUsedMB = field("mem_used_mb", raw.MemUsedBytes, bytesPerMB, prev.MemUsedMB)
	out.MemTotalMB = field("mem_total_mb", raw.MemTotalBytes, bytesPerMB, prev.MemTotalMB)
	out.Retained = retained

	if len(retained) > 0 {
		s.logger.Debug("fields retained from previous sample", "device_id", dev.ID, "fields", retained)
	}

	if s.forgets[dev.ID] == generation {
		s.previous[dev.ID] = out
	}
	return out
}

// Forget drops the retained state of removed devices.
func (s *Sampler) Forget(deviceIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range deviceIDs {
		delete(s.previous, id)
		s.forgets[id]++
	}
}
