// Package monitor is the core surface the presentation layers talk to. It
// resolves registry ids and delegates to the sampler, history and tuning
// components; none of its read paths touch hardware.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/history"
	"github.com/skobkin/gputune/internal/sampler"
	"github.com/skobkin/gputune/internal/tuning"
)

var (
	// ErrUnknownDevice is returned for ids not in the current device set.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrUnknownMetric is returned for unsupported series names.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrNoSample is returned before the first sample of a device is published.
	ErrNoSample = errors.New("no sample yet")
)

// Status summarises the platform state.
type Status struct {
	Backend        string        `json:"backend"`
	Degraded       bool          `json:"degraded"`
	Capabilities   []string      `json:"capabilities"`
	Devices        int           `json:"devices"`
	Ready          bool          `json:"ready"`
	SampleInterval time.Duration `json:"-"`
	IntervalMS     int64         `json:"sample_interval_ms"`
	HistorySize    int           `json:"history_size"`
}

// Monitor ties the core components together.
type Monitor struct {
	registry   *device.Registry
	manager    *sampler.Manager
	history    *history.Store[sampler.Sample]
	controller *tuning.Controller
	logger     *slog.Logger
}

// New returns a monitor over already constructed components.
func New(registry *device.Registry, manager *sampler.Manager, store *history.Store[sampler.Sample], controller *tuning.Controller, logger *slog.Logger) (*Monitor, error) {
	if registry == nil || manager == nil || store == nil || controller == nil {
		return nil, fmt.Errorf("registry, manager, history and controller are required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		registry:   registry,
		manager:    manager,
		history:    store,
		controller: controller,
		logger:     logger.With("component", "monitor"),
	}, nil
}

// ListDevices returns the current device set in registry order.
func (m *Monitor) ListDevices() []device.Device {
	return m.registry.Devices()
}

// Device looks up one device.
func (m *Monitor) Device(id string) (device.Device, error) {
	dev, ok := m.registry.Get(id)
	if !ok {
		return device.Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return dev, nil
}

// Select marks id as the presentation's current device.
func (m *Monitor) Select(id string) error {
	if !m.registry.Select(id) {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return nil
}

// Selected returns the presentation's current device.
func (m *Monitor) Selected() (device.Device, bool) {
	return m.registry.Selected()
}

// LatestSample returns the most recent committed sample.
func (m *Monitor) LatestSample(id string) (sampler.Sample, error) {
	if _, err := m.Device(id); err != nil {
		return sampler.Sample{}, err
	}
	sample, ok := m.manager.Latest(id)
	if !ok {
		return sampler.Sample{}, fmt.Errorf("%w for %q", ErrNoSample, id)
	}
	return sample, nil
}

// HistoryView returns the device's samples oldest first.
func (m *Monitor) HistoryView(id string) ([]sampler.Sample, error) {
	if _, err := m.Device(id); err != nil {
		return nil, err
	}
	return m.history.View(id), nil
}

// Series returns one metric of the device's history oldest first.
func (m *Monitor) Series(id, metric string) ([]float64, error) {
	if _, err := m.Device(id); err != nil {
		return nil, err
	}
	parsed, ok := sampler.ParseMetric(metric)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	return m.history.Series(id, parsed.Extractor()), nil
}

// Subscribe streams new samples of a device.
func (m *Monitor) Subscribe(id string) (<-chan sampler.Sample, func(), error) {
	if _, err := m.Device(id); err != nil {
		return nil, nil, err
	}
	return m.manager.Subscribe(id)
}

// Stage validates and stores a tuning target.
func (m *Monitor) Stage(id string, target tuning.Target) (tuning.Target, error) {
	if _, err := m.Device(id); err != nil {
		return tuning.Target{}, err
	}
	return m.controller.Stage(id, target), nil
}

// Target returns the staged target or defaults.
func (m *Monitor) Target(id string) (tuning.Target, error) {
	if _, err := m.Device(id); err != nil {
		return tuning.Target{}, err
	}
	return m.controller.Target(id), nil
}

// Apply writes the staged target to the hardware. It may block on the
// backend; callers should not invoke it per frame.
func (m *Monitor) Apply(ctx context.Context, id string) (tuning.ApplyOutcome, error) {
	dev, err := m.Device(id)
	if err != nil {
		return tuning.ApplyOutcome{}, err
	}
	return m.controller.Apply(ctx, dev), nil
}

// ResetToDefault drops the staged target without touching hardware.
func (m *Monitor) ResetToDefault(id string) (tuning.Target, error) {
	if _, err := m.Device(id); err != nil {
		return tuning.Target{}, err
	}
	return m.controller.ResetToDefault(id), nil
}

// RefreshDevices re-enumerates and prunes state held for removed devices. A
// failed enumeration keeps every device and its state and returns an error
// matching device.ErrEnumerationFailed.
func (m *Monitor) RefreshDevices(ctx context.Context) (device.RefreshResult, error) {
	result, err := m.registry.Refresh(ctx)
	if err != nil {
		return result, err
	}
	if len(result.Removed) > 0 {
		m.manager.Forget(result.Removed...)
		m.controller.Forget(result.Removed...)
		m.logger.Info("pruned removed devices", "device_ids", result.Removed)
	}
	return result, nil
}

// Ready reports whether every device has a published sample.
func (m *Monitor) Ready() bool {
	return m.manager.Ready()
}

// Degraded reports whether the backend failed to initialise.
func (m *Monitor) Degraded() bool {
	return m.registry.Degraded()
}

// Interval returns the sampling cadence.
func (m *Monitor) Interval() time.Duration {
	return m.manager.Interval()
}

// Status summarises backend and sampling state.
func (m *Monitor) Status() Status {
	caps := m.registry.Capabilities()
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, string(c))
	}
	return Status{
		Backend:        m.registry.BackendName(),
		Degraded:       m.registry.Degraded(),
		Capabilities:   names,
		Devices:        m.registry.Len(),
		Ready:          m.manager.Ready(),
		SampleInterval: m.manager.Interval(),
		IntervalMS:     m.manager.Interval().Milliseconds(),
		HistorySize:    m.history.Capacity(),
	}
}

// CanTune reports whether the backend offers tuning writes.
func (m *Monitor) CanTune() bool {
	return m.registry.Capabilities().Has(backend.CapWriteTuning)
}
