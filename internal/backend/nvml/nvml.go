// Package nvml implements the full read/write backend over NVIDIA's
// management library. The cgo binding lives behind build tags; on other
// platforms the backend initialises as unavailable.
package nvml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/skobkin/gputune/internal/backend"
)

// Name is the variant name reported by the backend.
const Name = "nvml"

type clockKind int

const (
	clockGraphics clockKind = iota
	clockMemory
)

// library is the subset of NVML the backend uses. Implementations map vendor
// return codes onto the backend sentinel errors.
type library interface {
	Init() error
	Shutdown() error
	DriverVersion() (string, error)
	DeviceCount() (int, error)
	DeviceByIndex(index int) (device, error)
	DeviceByUUID(uuid string) (device, error)
}

type device interface {
	UUID() (string, error)
	Name() (string, error)
	PCIBusID() (string, error)
	TemperatureC() (uint32, error)
	Utilization() (gpu uint32, mem uint32, err error)
	Memory() (used uint64, total uint64, err error)
	PowerUsageMilliW() (uint32, error)
	PowerLimitMilliW() (uint32, error)
	ClockMHz(kind clockKind) (uint32, error)
	FanSpeedPct() (uint32, error)
	SetPowerLimitMilliW(limit uint32) error
	SetApplicationsClocks(memMHz, coreMHz uint32) error
}

// Backend talks to NVML. Devices are addressed by UUID and re-resolved on
// every call.
type Backend struct {
	lib    library
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

var _ backend.Backend = (*Backend)(nil)

// New returns a backend bound to the platform NVML library.
func New(logger *slog.Logger) *Backend {
	return newWithLibrary(defaultLibrary(), logger)
}

func newWithLibrary(lib library, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{lib: lib, logger: logger.With("backend", Name)}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{backend.CapEnumerate, backend.CapReadTelemetry, backend.CapWriteTuning}
}

func (b *Backend) Init(context.Context) (status backend.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return backend.StatusReady
	}

	defer func() {
		// A missing shared library can surface as a panic inside the binding.
		if r := recover(); r != nil {
			b.logger.Warn("nvml init panicked", "panic", r)
			status = backend.StatusUnavailable
		}
	}()

	if err := b.lib.Init(); err != nil {
		b.logger.Info("nvml unavailable", "err", err)
		return backend.StatusUnavailable
	}
	b.initialized = true
	return backend.StatusReady
}

func (b *Backend) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *Backend) Enumerate(context.Context) ([]backend.Identity, error) {
	if !b.ready() {
		return nil, backend.ErrUnavailable
	}

	count, err := b.lib.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}

	driver, err := b.lib.DriverVersion()
	if err != nil {
		b.logger.Debug("failed to read driver version", "err", err)
		driver = ""
	}

	ids := make([]backend.Identity, 0, count)
	for i := 0; i < count; i++ {
		id, err := b.identity(i, driver)
		if err != nil {
			b.logger.Warn("skipping device", "index", i, "err", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backend) identity(index int, driver string) (backend.Identity, error) {
	dev, err := b.lib.DeviceByIndex(index)
	if err != nil {
		return backend.Identity{}, fmt.Errorf("get handle: %w", err)
	}
	uuid, err := dev.UUID()
	if err != nil {
		return backend.Identity{}, fmt.Errorf("get uuid: %w", err)
	}
	name, err := dev.Name()
	if err != nil {
		return backend.Identity{}, fmt.Errorf("get name: %w", err)
	}
	busID, err := dev.PCIBusID()
	if err != nil {
		busID = ""
	}

	return backend.Identity{
		Handle:        uuid,
		UniqueID:      uuid,
		Name:          name,
		Driver:        "nvidia",
		DriverVersion: driver,
		PCI:           busID,
		VendorCapable: true,
	}, nil
}

func (b *Backend) Read(_ context.Context, handle string) backend.PartialSample {
	if !b.ready() {
		return backend.AllFailed()
	}
	dev, err := b.lib.DeviceByUUID(handle)
	if err != nil {
		b.logger.Debug("failed to resolve device", "uuid", handle, "err", err)
		return backend.AllFailed()
	}

	var s backend.PartialSample

	temp, err := dev.TemperatureC()
	s.TemperatureMilliC = reading(float64(temp)*1000, err)

	gpuUtil, memUtil, err := dev.Utilization()
	s.GPUUtilPct = reading(float64(gpuUtil), err)
	s.MemUtilPct = reading(float64(memUtil), err)

	power, err := dev.PowerUsageMilliW()
	s.PowerMilliW = reading(float64(power), err)

	limit, err := dev.PowerLimitMilliW()
	s.PowerLimitMilliW = reading(float64(limit), err)

	core, err := dev.ClockMHz(clockGraphics)
	s.CoreClockMHz = reading(float64(core), err)

	mem, err := dev.ClockMHz(clockMemory)
	s.MemClockMHz = reading(float64(mem), err)

	fan, err := dev.FanSpeedPct()
	s.FanPct = reading(float64(fan), err)

	used, total, err := dev.Memory()
	s.MemUsedBytes = reading(float64(used), err)
	s.MemTotalBytes = reading(float64(total), err)

	return s
}

// Write sets the power limit first, then the paired application clocks.
// Both are attempted regardless of the other's outcome.
func (b *Backend) Write(_ context.Context, handle string, req backend.WriteRequest) backend.WriteResult {
	if !b.ready() {
		return backend.FailedWrites(backend.ErrUnavailable)
	}
	dev, err := b.lib.DeviceByUUID(handle)
	if err != nil {
		return backend.FailedWrites(fmt.Errorf("resolve %s: %w", handle, err))
	}

	var result backend.WriteResult

	switch {
	case req.PowerLimitW == 0:
		result.PowerLimit = backend.NotAttempted(nil)
	case req.PowerLimitW < 0:
		result.PowerLimit = backend.WriteError(fmt.Errorf("power limit %d W out of range", req.PowerLimitW))
	default:
		result.PowerLimit = writeStatus("power_limit", dev.SetPowerLimitMilliW(uint32(req.PowerLimitW)*1000))
	}

	switch {
	case req.CoreClockMHz == 0 && req.MemClockMHz == 0:
		result.CoreClock, result.MemClock = backend.NotAttempted(nil), backend.NotAttempted(nil)
	case req.CoreClockMHz == 0 || req.MemClockMHz == 0:
		// Application clocks are set as a pair.
		status := backend.NotAttempted(errors.New("core and memory clocks are written as a pair"))
		result.CoreClock, result.MemClock = status, status
	case req.CoreClockMHz < 0 || req.MemClockMHz < 0:
		status := backend.WriteError(fmt.Errorf("clocks %d/%d MHz out of range", req.CoreClockMHz, req.MemClockMHz))
		result.CoreClock, result.MemClock = status, status
	default:
		status := writeStatus("clocks", dev.SetApplicationsClocks(uint32(req.MemClockMHz), uint32(req.CoreClockMHz)))
		result.CoreClock, result.MemClock = status, status
	}

	return result
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.initialized = false
	if err := b.lib.Shutdown(); err != nil {
		return fmt.Errorf("nvml shutdown: %w", err)
	}
	return nil
}

func reading(value float64, err error) backend.Reading {
	switch {
	case err == nil:
		return backend.Value(value)
	case errors.Is(err, backend.ErrNotSupported):
		return backend.Unsupported()
	default:
		return backend.Failed()
	}
}

func writeStatus(field string, err error) backend.WriteStatus {
	switch {
	case err == nil:
		return backend.Applied()
	case errors.Is(err, backend.ErrNotSupported):
		return backend.WriteUnsupportedStatus()
	default:
		return backend.WriteError(backend.FieldError(field, err))
	}
}
