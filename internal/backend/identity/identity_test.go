package identity

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/skobkin/gputune/internal/backend"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestBackend(t *testing.T) (*Backend, string, string) {
	t.Helper()
	sysRoot := t.TempDir()
	procRoot := t.TempDir()
	return New(sysRoot, procRoot, slog.New(slog.NewTextHandler(io.Discard, nil))), sysRoot, procRoot
}

func TestEnumerateEnrichesNvidiaCards(t *testing.T) {
	t.Parallel()

	b, sysRoot, procRoot := newTestBackend(t)

	writeFile(t, filepath.Join(sysRoot, "class", "drm", "card0", "device", "uevent"),
		"DRIVER=nvidia\nPCI_ID=10DE:2684\nPCI_SLOT_NAME=0000:01:00.0\n")
	writeFile(t, filepath.Join(sysRoot, "class", "drm", "card1", "device", "uevent"),
		"DRIVER=amdgpu\nPCI_ID=1002:73DF\nPCI_SLOT_NAME=0000:0a:00.0\nPCI_ID_NAME=AMD Radeon RX 6800\n")
	writeFile(t, filepath.Join(procRoot, "driver", "nvidia", "gpus", "0000:01:00.0", "information"),
		"Model: \t\t NVIDIA GeForce RTX 4090\nIRQ:   \t\t 164\nGPU UUID: \t GPU-5c2a7b1e-0000-1111-2222-333344445555\nVideo BIOS: \t 95.02.3c.80.b8\n")
	writeFile(t, filepath.Join(procRoot, "driver", "nvidia", "version"),
		"NVRM version: NVIDIA UNIX x86_64 Kernel Module  550.54.14  Thu Feb 22 01:44:30 UTC 2024\nGCC version:  gcc version 13.2.0\n")

	if status := b.Init(context.Background()); status != backend.StatusReady {
		t.Fatalf("expected ready, got %s", status)
	}

	ids, err := b.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate returned error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 devices, got %+v", ids)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Handle < ids[j].Handle })

	nv := ids[0]
	if nv.Name != "NVIDIA GeForce RTX 4090" {
		t.Errorf("unexpected model %q", nv.Name)
	}
	if nv.UniqueID != "GPU-5c2a7b1e-0000-1111-2222-333344445555" {
		t.Errorf("unexpected uuid %q", nv.UniqueID)
	}
	if nv.DriverVersion != "550.54.14" {
		t.Errorf("unexpected driver version %q", nv.DriverVersion)
	}
	if nv.VendorCapable {
		t.Errorf("identity devices must not be tuning capable")
	}

	amd := ids[1]
	if amd.Name != "AMD Radeon RX 6800" || amd.UniqueID != "0000:0a:00.0" {
		t.Errorf("unexpected non-nvidia identity %+v", amd)
	}
}

func TestEnumerateWithoutCards(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBackend(t)
	if ids, err := b.Enumerate(context.Background()); err != nil || len(ids) != 0 {
		t.Fatalf("expected empty enumeration, got %+v (err %v)", ids, err)
	}
}

func TestNoTelemetryNoWrites(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBackend(t)

	sample := b.Read(context.Background(), "card0")
	if sample.TemperatureMilliC.State != backend.ReadUnsupported || sample.FanPct.State != backend.ReadUnsupported {
		t.Fatalf("expected unsupported readings, got %+v", sample)
	}

	result := b.Write(context.Background(), "card0", backend.WriteRequest{PowerLimitW: 250, CoreClockMHz: 1900})
	if result.PowerLimit.Code != backend.WriteUnsupported || result.CoreClock.Code != backend.WriteUnsupported {
		t.Fatalf("expected unsupported writes, got %+v", result)
	}

	caps := b.Capabilities()
	if !caps.Has(backend.CapEnumerate) || caps.Has(backend.CapReadTelemetry) || caps.Has(backend.CapWriteTuning) {
		t.Fatalf("unexpected capabilities %s", caps)
	}
}
