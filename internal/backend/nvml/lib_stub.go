//go:build !linux || !cgo

package nvml

import (
	"fmt"

	"github.com/skobkin/gputune/internal/backend"
)

func defaultLibrary() library {
	return unavailableLibrary{}
}

// unavailableLibrary stands in where the NVML binding cannot be built.
type unavailableLibrary struct{}

var errNoBinding = fmt.Errorf("%w: nvml requires linux and cgo", backend.ErrUnavailable)

func (unavailableLibrary) Init() error {
	return errNoBinding
}

func (unavailableLibrary) Shutdown() error {
	return nil
}

func (unavailableLibrary) DriverVersion() (string, error) {
	return "", errNoBinding
}

func (unavailableLibrary) DeviceCount() (int, error) {
	return 0, errNoBinding
}

func (unavailableLibrary) DeviceByIndex(int) (device, error) {
	return nil, errNoBinding
}

func (unavailableLibrary) DeviceByUUID(string) (device, error) {
	return nil, errNoBinding
}
