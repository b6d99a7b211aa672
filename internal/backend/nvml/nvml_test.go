package nvml

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputune/internal/backend"
)

type fakeLibrary struct {
	initErr  error
	countErr error
	devices  []*fakeDevice
	shutdown int
}

func (l *fakeLibrary) Init() error {
	return l.initErr
}

func (l *fakeLibrary) Shutdown() error {
	l.shutdown++
	return nil
}

func (l *fakeLibrary) DriverVersion() (string, error) {
	return "550.54.14", nil
}

func (l *fakeLibrary) DeviceCount() (int, error) {
	if l.countErr != nil {
		return 0, l.countErr
	}
	return len(l.devices), nil
}

func (l *fakeLibrary) DeviceByIndex(index int) (device, error) {
	if index < 0 || index >= len(l.devices) {
		return nil, backend.ErrDeviceNotFound
	}
	return l.devices[index], nil
}

func (l *fakeLibrary) DeviceByUUID(uuid string) (device, error) {
	for _, dev := range l.devices {
		if dev.uuid == uuid {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", backend.ErrDeviceNotFound, uuid)
}

type fakeDevice struct {
	uuid    string
	name    string
	nameErr error

	tempErr  error
	fanErr   error
	powerErr error

	setPowerErr error
	setClockErr error

	powerLimit uint32
	appMem     uint32
	appCore    uint32
}

func (d *fakeDevice) UUID() (string, error) { return d.uuid, nil }
func (d *fakeDevice) Name() (string, error) { return d.name, d.nameErr }
func (d *fakeDevice) PCIBusID() (string, error) { return "00000000:01:00.0", nil }
func (d *fakeDevice) TemperatureC() (uint32, error) { return 64, d.tempErr }
func (d *fakeDevice) PowerUsageMilliW() (uint32, error) { return 187_500, d.powerErr }
func (d *fakeDevice) PowerLimitMilliW() (uint32, error) { return 250_000, nil }
func (d *fakeDevice) FanSpeedPct() (uint32, error) { return 41, d.fanErr }

func (d *fakeDevice) Utilization() (uint32, uint32, error) {
	return 93, 37, nil
}

func (d *fakeDevice) Memory() (uint64, uint64, error) {
	return 3 << 30, 24 << 30, nil
}

func (d *fakeDevice) ClockMHz(kind clockKind) (uint32, error) {
	if kind == clockMemory {
		return 10501, nil
	}
	return 2520, nil
}

func (d *fakeDevice) SetPowerLimitMilliW(limit uint32) error {
	if d.setPowerErr != nil {
		return d.setPowerErr
	}
	d.powerLimit = limit
	return nil
}

func (d *fakeDevice) SetApplicationsClocks(memMHz, coreMHz uint32) error {
	if d.setClockErr != nil {
		return d.setClockErr
	}
	d.appMem, d.appCore = memMHz, coreMHz
	return nil
}

func readyBackend(t *testing.T, lib *fakeLibrary) *Backend {
	t.Helper()
	b := newWithLibrary(lib, nil)
	require.Equal(t, backend.StatusReady, b.Init(context.Background()))
	return b
}

func TestInitUnavailable(t *testing.T) {
	t.Parallel()

	lib := &fakeLibrary{initErr: backend.ErrUnavailable}
	b := newWithLibrary(lib, nil)

	assert.Equal(t, backend.StatusUnavailable, b.Init(context.Background()))
	ids, err := b.Enumerate(context.Background())
	require.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Empty(t, ids)
	assert.Equal(t, backend.ReadFailed, b.Read(context.Background(), "GPU-a").TemperatureMilliC.State)
	assert.NoError(t, b.Close())
	assert.Zero(t, lib.shutdown)
}

func TestEnumerateSkipsBrokenDevice(t *testing.T) {
	t.Parallel()

	lib := &fakeLibrary{devices: []*fakeDevice{
		{uuid: "GPU-a", name: "NVIDIA GeForce RTX 4090"},
		{uuid: "GPU-b", nameErr: errors.New("nvml: unknown error")},
		{uuid: "GPU-c", name: "NVIDIA RTX A6000"},
	}}
	b := readyBackend(t, lib)

	ids, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "GPU-a", ids[0].Handle)
	assert.Equal(t, "GPU-a", ids[0].UniqueID)
	assert.Equal(t, "550.54.14", ids[0].DriverVersion)
	assert.True(t, ids[0].VendorCapable)
	assert.Equal(t, "GPU-c", ids[1].Handle)
}

func TestEnumerateZeroDevices(t *testing.T) {
	t.Parallel()

	b := readyBackend(t, &fakeLibrary{})
	ids, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestEnumerateReportsCountFailure(t *testing.T) {
	t.Parallel()

	b := readyBackend(t, &fakeLibrary{countErr: errors.New("nvml: gpu is lost")})
	ids, err := b.Enumerate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count devices")
	assert.Nil(t, ids)
}

func TestReadConvertsAndClassifiesFields(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{
		uuid:     "GPU-a",
		name:     "GPU",
		fanErr:   fmt.Errorf("%w: fan", backend.ErrNotSupported),
		powerErr: errors.New("nvml: timeout"),
	}
	b := readyBackend(t, &fakeLibrary{devices: []*fakeDevice{dev}})

	s := b.Read(context.Background(), "GPU-a")

	assert.InDelta(t, 64000, s.TemperatureMilliC.Value, 0.001)
	assert.InDelta(t, 93, s.GPUUtilPct.Value, 0.001)
	assert.InDelta(t, 37, s.MemUtilPct.Value, 0.001)
	assert.InDelta(t, 250000, s.PowerLimitMilliW.Value, 0.001)
	assert.InDelta(t, 2520, s.CoreClockMHz.Value, 0.001)
	assert.InDelta(t, 10501, s.MemClockMHz.Value, 0.001)
	assert.InDelta(t, float64(24<<30), s.MemTotalBytes.Value, 0.001)

	assert.Equal(t, backend.ReadUnsupported, s.FanPct.State)
	assert.Equal(t, backend.ReadFailed, s.PowerMilliW.State)
}

func TestReadUnknownHandle(t *testing.T) {
	t.Parallel()

	b := readyBackend(t, &fakeLibrary{})
	s := b.Read(context.Background(), "GPU-gone")
	assert.Equal(t, backend.ReadFailed, s.CoreClockMHz.State)
}

func TestWriteAppliesPowerThenClocks(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{uuid: "GPU-a", name: "GPU"}
	b := readyBackend(t, &fakeLibrary{devices: []*fakeDevice{dev}})

	result := b.Write(context.Background(), "GPU-a", backend.WriteRequest{PowerLimitW: 275, CoreClockMHz: 2620, MemClockMHz: 10701})

	assert.Equal(t, backend.WriteApplied, result.PowerLimit.Code)
	assert.Equal(t, backend.WriteApplied, result.CoreClock.Code)
	assert.Equal(t, backend.WriteApplied, result.MemClock.Code)
	assert.Equal(t, uint32(275_000), dev.powerLimit)
	assert.Equal(t, uint32(10701), dev.appMem)
	assert.Equal(t, uint32(2620), dev.appCore)
}

func TestWriteReportsFieldsIndependently(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{
		uuid:        "GPU-a",
		name:        "GPU",
		setClockErr: fmt.Errorf("%w: clocks", backend.ErrPermissionDenied),
	}
	b := readyBackend(t, &fakeLibrary{devices: []*fakeDevice{dev}})

	result := b.Write(context.Background(), "GPU-a", backend.WriteRequest{PowerLimitW: 200, CoreClockMHz: 2000, MemClockMHz: 9000})

	assert.Equal(t, backend.WriteApplied, result.PowerLimit.Code)
	assert.Equal(t, backend.WriteFailed, result.CoreClock.Code)
	assert.True(t, result.CoreClock.PermissionDenied())
	assert.True(t, result.MemClock.PermissionDenied())
}

func TestWriteUnsupportedField(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{
		uuid:        "GPU-a",
		name:        "GPU",
		setPowerErr: fmt.Errorf("%w: power", backend.ErrNotSupported),
	}
	b := readyBackend(t, &fakeLibrary{devices: []*fakeDevice{dev}})

	result := b.Write(context.Background(), "GPU-a", backend.WriteRequest{PowerLimitW: 200, CoreClockMHz: 2000, MemClockMHz: 9000})

	assert.Equal(t, backend.WriteUnsupported, result.PowerLimit.Code)
	assert.False(t, result.PowerLimit.PermissionDenied())
	assert.Equal(t, backend.WriteApplied, result.CoreClock.Code)
}

func TestWriteLeavesZeroFieldsUnchanged(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{uuid: "GPU-a", name: "GPU"}
	b := readyBackend(t, &fakeLibrary{devices: []*fakeDevice{dev}})

	result := b.Write(context.Background(), "GPU-a", backend.WriteRequest{CoreClockMHz: 2000})

	assert.Equal(t, backend.WriteNotAttempted, result.PowerLimit.Code)
	assert.NoError(t, result.PowerLimit.Err)
	assert.Equal(t, backend.WriteNotAttempted, result.CoreClock.Code)
	assert.Error(t, result.CoreClock.Err)
	assert.Equal(t, backend.WriteNotAttempted, result.MemClock.Code)
	assert.Zero(t, dev.powerLimit)
	assert.Zero(t, dev.appCore)
}

func TestCloseShutsDownOnce(t *testing.T) {
	t.Parallel()

	lib := &fakeLibrary{}
	b := readyBackend(t, lib)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, lib.shutdown)
}
