// Package sysfs implements a read-only backend for DRM cards exposed through
// Linux sysfs, hwmon and (optionally) debugfs. It reports telemetry but never
// writes tuning values.
package sysfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/skobkin/gputune/internal/backend"
)

// Name is the variant name reported by the backend.
const Name = "sysfs"

// Backend reads amdgpu-style telemetry from sysfs.
type Backend struct {
	sysfsRoot   string
	debugfsRoot string
	logger      *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates a sysfs backend rooted at sysfsRoot (normally /sys) with an
// optional debugfs fallback at debugfsRoot.
func New(sysfsRoot, debugfsRoot string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		sysfsRoot:   sysfsRoot,
		debugfsRoot: debugfsRoot,
		logger:      logger.With("backend", Name),
	}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{backend.CapEnumerate, backend.CapReadTelemetry}
}

// Init reports Ready when the DRM class directory exists.
func (b *Backend) Init(context.Context) backend.Status {
	info, err := os.Stat(filepath.Join(b.sysfsRoot, drmClassPath))
	if err != nil || !info.IsDir() {
		b.logger.Info("drm class directory unavailable", "root", b.sysfsRoot, "err", err)
		return backend.StatusUnavailable
	}
	return backend.StatusReady
}

func (b *Backend) Enumerate(context.Context) ([]backend.Identity, error) {
	ids, err := Discover(b.sysfsRoot, b.logger)
	if err != nil {
		return nil, fmt.Errorf("card discovery: %w", err)
	}
	return ids, nil
}

// Read resolves the card directory on every call so a card that vanished
// between polls reads as failed rather than stale.
func (b *Backend) Read(_ context.Context, handle string) backend.PartialSample {
	r, err := newReader(handle, b.sysfsRoot, b.debugfsRoot, b.logger)
	if err != nil {
		if !errors.Is(err, backend.ErrDeviceNotFound) {
			b.logger.Debug("failed to open card", "card", handle, "err", err)
		}
		return backend.AllFailed()
	}
	return r.sample()
}

func (b *Backend) Write(context.Context, string, backend.WriteRequest) backend.WriteResult {
	return backend.UnsupportedWrites()
}

func (b *Backend) Close() error {
	return nil
}
