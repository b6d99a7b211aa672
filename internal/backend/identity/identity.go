// Package identity implements the identity-only backend. It lists DRM cards
// from sysfs and, for cards bound to the proprietary NVIDIA driver, enriches
// them from /proc/driver/nvidia. It reports no telemetry and accepts no
// tuning writes.
package identity

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/backend/sysfs"
)

// Name is the variant name reported by the backend.
const Name = "identity"

// Backend enumerates devices without touching any vendor library.
type Backend struct {
	sysRoot  string
	procRoot string
	logger   *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates an identity backend reading from sysRoot (normally /sys) and
// procRoot (normally /proc).
func New(sysRoot, procRoot string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		sysRoot:  sysRoot,
		procRoot: procRoot,
		logger:   logger.With("backend", Name),
	}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{backend.CapEnumerate}
}

// Init is Ready whenever sysfs can be opened; an empty card list is still a
// valid state for this variant.
func (b *Backend) Init(context.Context) backend.Status {
	if _, err := os.Stat(b.sysRoot); err != nil {
		b.logger.Info("sysfs root unavailable", "root", b.sysRoot, "err", err)
		return backend.StatusUnavailable
	}
	return backend.StatusReady
}

func (b *Backend) Enumerate(context.Context) ([]backend.Identity, error) {
	ids, err := sysfs.Discover(b.sysRoot, b.logger)
	if err != nil {
		return nil, fmt.Errorf("card discovery: %w", err)
	}

	nvidiaVersion := b.nvidiaDriverVersion()
	for i := range ids {
		if ids[i].Driver != "nvidia" {
			continue
		}
		if ids[i].PCI != "" {
			b.enrichFromProc(&ids[i])
		}
		if nvidiaVersion != "" {
			ids[i].DriverVersion = nvidiaVersion
		}
	}
	return ids, nil
}

func (b *Backend) Read(context.Context, string) backend.PartialSample {
	return backend.AllUnsupported()
}

func (b *Backend) Write(context.Context, string, backend.WriteRequest) backend.WriteResult {
	return backend.UnsupportedWrites()
}

func (b *Backend) Close() error {
	return nil
}

// enrichFromProc reads /proc/driver/nvidia/gpus/<slot>/information, whose
// lines look like:
//
//	Model:           NVIDIA GeForce RTX 4090
//	GPU UUID:        GPU-xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func (b *Backend) enrichFromProc(id *backend.Identity) {
	infoPath := filepath.Join(b.procRoot, "driver", "nvidia", "gpus", id.PCI, "information")
	data, err := os.ReadFile(infoPath)
	if err != nil {
		b.logger.Debug("nvidia proc information unavailable", "pci", id.PCI, "err", err)
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch key {
		case "Model":
			id.Name = value
		case "GPU UUID":
			id.UniqueID = value
		}
	}
}

// nvidiaDriverVersion parses the kernel module version from
// /proc/driver/nvidia/version:
//
//	NVRM version: NVIDIA UNIX x86_64 Kernel Module  550.54.14  Thu Feb 22 01:44:30 UTC 2024
func (b *Backend) nvidiaDriverVersion() string {
	f, err := os.Open(filepath.Join(b.procRoot, "driver", "nvidia", "version"))
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "NVRM version:") {
			continue
		}
		_, rest, ok := strings.Cut(line, "Kernel Module")
		if !ok {
			return ""
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return ""
		}
		return fields[0]
	}
	return ""
}
