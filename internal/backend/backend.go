// Package backend defines the contract every GPU management backend
// implements. A backend is the only component allowed to talk to vendor
// APIs or hardware files; everything above it works with Identity,
// PartialSample and WriteResult values.
package backend

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnavailable reports that the vendor interface could not be initialised.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrPermissionDenied reports that the caller lacks the privilege for a write.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotSupported reports that a field cannot be read or written on this device.
	ErrNotSupported = errors.New("not supported")
	// ErrDeviceNotFound reports that a handle no longer resolves to a device.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTimeout reports that a vendor call exceeded the backend deadline.
	ErrTimeout = errors.New("backend call timed out")
)

// Status is the outcome of Init.
type Status int

const (
	StatusUnavailable Status = iota
	StatusReady
)

func (s Status) String() string {
	if s == StatusReady {
		return "ready"
	}
	return "unavailable"
}

// Capability is a single thing a backend variant can do.
type Capability string

const (
	CapEnumerate     Capability = "enumerate"
	CapReadTelemetry Capability = "read_telemetry"
	CapWriteTuning   Capability = "write_tuning"
)

// Capabilities is the set of capabilities a backend variant offers.
type Capabilities []Capability

// Has reports whether c contains the capability.
func (c Capabilities) Has(capability Capability) bool {
	for _, item := range c {
		if item == capability {
			return true
		}
	}
	return false
}

func (c Capabilities) String() string {
	parts := make([]string, 0, len(c))
	for _, item := range c {
		parts = append(parts, string(item))
	}
	return strings.Join(parts, ",")
}

// Identity describes a device as reported by enumeration.
type Identity struct {
	// Handle locates the device for subsequent Read and Write calls. Backends
	// re-resolve it on every call, so it stays valid across re-enumeration as
	// long as the hardware does.
	Handle string
	// UniqueID is a hardware-unique identifier (UUID, PCI slot) when the
	// backend has one.
	UniqueID string
	Name     string
	// Driver is the kernel driver bound to the device, when known.
	Driver        string
	DriverVersion string
	PCI           string
	PCIID         string
	// VendorCapable reports whether the device accepts tuning writes.
	VendorCapable bool
}

// Backend is the capability-polymorphic adapter over a vendor's device
// management interface. Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	// Init prepares the vendor interface. Unavailable is a normal, persistent
	// state; Init never panics.
	Init(ctx context.Context) Status
	// Enumerate lists devices. Devices whose identity cannot be read are
	// skipped; an empty result is not an error. An error means the device
	// set could not be listed at all and says nothing about its contents.
	Enumerate(ctx context.Context) ([]Identity, error)
	// Read collects raw telemetry. Every field is reported independently.
	Read(ctx context.Context, handle string) PartialSample
	// Write applies tuning values. Every field is attempted and reported
	// independently; there is no rollback.
	Write(ctx context.Context, handle string, req WriteRequest) WriteResult
	Close() error
}
