//go:build linux && cgo

package nvml

import (
	"fmt"
	"strings"

	gonvml "github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/skobkin/gputune/internal/backend"
)

func defaultLibrary() library {
	return nvmlLibrary{}
}

// nvmlLibrary adapts the go-nvml bindings.
type nvmlLibrary struct{}

func (nvmlLibrary) Init() error {
	if ret := gonvml.Init(); ret != gonvml.SUCCESS {
		return fmt.Errorf("%w: %s", backend.ErrUnavailable, ret.Error())
	}
	return nil
}

func (nvmlLibrary) Shutdown() error {
	return mapReturn(gonvml.Shutdown())
}

func (nvmlLibrary) DriverVersion() (string, error) {
	version, ret := gonvml.SystemGetDriverVersion()
	return version, mapReturn(ret)
}

func (nvmlLibrary) DeviceCount() (int, error) {
	count, ret := gonvml.DeviceGetCount()
	return count, mapReturn(ret)
}

func (nvmlLibrary) DeviceByIndex(index int) (device, error) {
	dev, ret := gonvml.DeviceGetHandleByIndex(index)
	if err := mapReturn(ret); err != nil {
		return nil, err
	}
	return nvmlDevice{dev: dev}, nil
}

func (nvmlLibrary) DeviceByUUID(uuid string) (device, error) {
	dev, ret := gonvml.DeviceGetHandleByUUID(uuid)
	if err := mapReturn(ret); err != nil {
		return nil, err
	}
	return nvmlDevice{dev: dev}, nil
}

type nvmlDevice struct {
	dev gonvml.Device
}

func (d nvmlDevice) UUID() (string, error) {
	uuid, ret := d.dev.GetUUID()
	return uuid, mapReturn(ret)
}

func (d nvmlDevice) Name() (string, error) {
	name, ret := d.dev.GetName()
	return name, mapReturn(ret)
}

func (d nvmlDevice) PCIBusID() (string, error) {
	info, ret := d.dev.GetPciInfo()
	if err := mapReturn(ret); err != nil {
		return "", err
	}
	var buf strings.Builder
	for _, c := range info.BusId {
		if c == 0 {
			break
		}
		buf.WriteByte(byte(c))
	}
	return strings.ToLower(buf.String()), nil
}

func (d nvmlDevice) TemperatureC() (uint32, error) {
	temp, ret := d.dev.GetTemperature(gonvml.TEMPERATURE_GPU)
	return temp, mapReturn(ret)
}

func (d nvmlDevice) Utilization() (uint32, uint32, error) {
	util, ret := d.dev.GetUtilizationRates()
	return util.Gpu, util.Memory, mapReturn(ret)
}

func (d nvmlDevice) Memory() (uint64, uint64, error) {
	mem, ret := d.dev.GetMemoryInfo()
	return mem.Used, mem.Total, mapReturn(ret)
}

func (d nvmlDevice) PowerUsageMilliW() (uint32, error) {
	power, ret := d.dev.GetPowerUsage()
	return power, mapReturn(ret)
}

func (d nvmlDevice) PowerLimitMilliW() (uint32, error) {
	limit, ret := d.dev.GetPowerManagementLimit()
	return limit, mapReturn(ret)
}

func (d nvmlDevice) ClockMHz(kind clockKind) (uint32, error) {
	clockType := gonvml.CLOCK_GRAPHICS
	if kind == clockMemory {
		clockType = gonvml.CLOCK_MEM
	}
	clock, ret := d.dev.GetClockInfo(clockType)
	return clock, mapReturn(ret)
}

func (d nvmlDevice) FanSpeedPct() (uint32, error) {
	speed, ret := d.dev.GetFanSpeed()
	return speed, mapReturn(ret)
}

func (d nvmlDevice) SetPowerLimitMilliW(limit uint32) error {
	return mapReturn(d.dev.SetPowerManagementLimit(limit))
}

func (d nvmlDevice) SetApplicationsClocks(memMHz, coreMHz uint32) error {
	return mapReturn(d.dev.SetApplicationsClocks(memMHz, coreMHz))
}

// mapReturn translates NVML return codes into backend sentinels.
func mapReturn(ret gonvml.Return) error {
	switch ret {
	case gonvml.SUCCESS:
		return nil
	case gonvml.ERROR_NOT_SUPPORTED, gonvml.ERROR_FUNCTION_NOT_FOUND:
		return fmt.Errorf("%w: %s", backend.ErrNotSupported, ret.Error())
	case gonvml.ERROR_NO_PERMISSION:
		return fmt.Errorf("%w: %s", backend.ErrPermissionDenied, ret.Error())
	case gonvml.ERROR_NOT_FOUND, gonvml.ERROR_GPU_IS_LOST:
		return fmt.Errorf("%w: %s", backend.ErrDeviceNotFound, ret.Error())
	case gonvml.ERROR_UNINITIALIZED, gonvml.ERROR_LIBRARY_NOT_FOUND, gonvml.ERROR_DRIVER_NOT_LOADED:
		return fmt.Errorf("%w: %s", backend.ErrUnavailable, ret.Error())
	default:
		return fmt.Errorf("nvml: %s", ret.Error())
	}
}
