// Package device holds the set of enumerated devices and their stable ids.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/skobkin/gputune/internal/backend"
)

// Device is an immutable identity record. It is replaced wholesale on every
// refresh.
type Device struct {
	ID            string `json:"id"`
	UniqueID      string `json:"unique_id,omitempty"`
	Handle        string `json:"-"`
	Name          string `json:"name"`
	Driver        string `json:"driver,omitempty"`
	DriverVersion string `json:"driver_version,omitempty"`
	PCI           string `json:"pci,omitempty"`
	PCIID         string `json:"pci_id,omitempty"`
	Backend       string `json:"backend"`
	VendorCapable bool   `json:"vendor_capable"`
}

// ErrEnumerationFailed is returned by Refresh when the backend could not list
// devices. The previous device set is kept.
var ErrEnumerationFailed = errors.New("device enumeration failed")

// RefreshResult is the outcome of a refresh.
type RefreshResult struct {
	Devices []Device
	Added   []string
	Removed []string
}

// Registry enumerates devices through a backend and assigns registry ids that
// stay stable across refreshes for the same hardware.
type Registry struct {
	backend backend.Backend
	logger  *slog.Logger

	refreshMu sync.Mutex

	mu       sync.RWMutex
	devices  []Device
	index    map[string]int
	known    map[string]string
	nextID   int
	selected int
	degraded bool
}

// NewRegistry creates an empty registry. degraded reports whether the backend
// failed to initialise; a degraded registry never enumerates.
func NewRegistry(b backend.Backend, degraded bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		backend:  b,
		logger:   logger.With("component", "device_registry"),
		index:    make(map[string]int),
		known:    make(map[string]string),
		degraded: degraded,
	}
}

// Refresh re-enumerates and replaces the device set atomically. When the
// backend fails to enumerate, the current set is returned unchanged with no
// added or removed ids, along with an ErrEnumerationFailed error.
func (r *Registry) Refresh(ctx context.Context) (RefreshResult, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	var ids []backend.Identity
	if !r.Degraded() {
		var err error
		ids, err = r.backend.Enumerate(ctx)
		if err != nil {
			r.logger.Warn("enumeration failed, keeping current devices", "err", err)
			return RefreshResult{Devices: r.Devices()}, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var selectedID string
	if r.selected < len(r.devices) {
		selectedID = r.devices[r.selected].ID
	}

	previous := r.index
	next := make([]Device, 0, len(ids))
	index := make(map[string]int, len(ids))
	var added []string

	for _, id := range ids {
		key := identityKey(id)
		regID, ok := r.known[key]
		if !ok {
			regID = fmt.Sprintf("gpu%d", r.nextID)
			r.nextID++
			r.known[key] = regID
		}
		if _, dup := index[regID]; dup {
			r.logger.Warn("duplicate device identity skipped", "unique_id", id.UniqueID, "handle", id.Handle)
			continue
		}
		if _, existed := previous[regID]; !existed {
			added = append(added, regID)
		}
		index[regID] = len(next)
		next = append(next, Device{
			ID:            regID,
			UniqueID:      id.UniqueID,
			Handle:        id.Handle,
			Name:          id.Name,
			Driver:        id.Driver,
			DriverVersion: id.DriverVersion,
			PCI:           id.PCI,
			PCIID:         id.PCIID,
			Backend:       r.backend.Name(),
			VendorCapable: id.VendorCapable,
		})
	}

	var removed []string
	for _, dev := range r.devices {
		if _, ok := index[dev.ID]; !ok {
			removed = append(removed, dev.ID)
		}
	}

	r.devices = next
	r.index = index
	r.selected = 0
	if pos, ok := index[selectedID]; ok {
		r.selected = pos
	}

	if len(added) > 0 || len(removed) > 0 {
		r.logger.Info("device set changed", "devices", len(next), "added", added, "removed", removed)
	}

	return RefreshResult{
		Devices: append([]Device(nil), next...),
		Added:   added,
		Removed: removed,
	}, nil
}

// Devices returns a copy of the current device set.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Device(nil), r.devices...)
}

// Get looks up a device by registry id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.index[id]
	if !ok {
		return Device{}, false
	}
	return r.devices[pos], true
}

// Len reports the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Select marks id as the current device.
func (r *Registry) Select(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.index[id]
	if !ok {
		return false
	}
	r.selected = pos
	return true
}

// Selected returns the current device, or false when the set is empty.
func (r *Registry) Selected() (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected >= len(r.devices) {
		return Device{}, false
	}
	return r.devices[r.selected], true
}

// Degraded reports whether the backend is unavailable.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// BackendName returns the variant name of the backing backend.
func (r *Registry) BackendName() string {
	return r.backend.Name()
}

// Capabilities returns the backend capabilities.
func (r *Registry) Capabilities() backend.Capabilities {
	return r.backend.Capabilities()
}

func identityKey(id backend.Identity) string {
	if id.UniqueID != "" {
		return "uid:" + id.UniqueID
	}
	return "handle:" + id.Handle
}
