package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/skobkin/gputune/internal/config"
)

func testConfig(t *testing.T, kind string) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.SysfsRoot = t.TempDir()
	cfg.DebugfsRoot = ""
	cfg.ProcRoot = t.TempDir()
	cfg.Backend.Kind = kind
	return cfg
}

func TestNewCoreDegradedWithoutDRM(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	core, err := NewCore(context.Background(), logger, testConfig(t, config.BackendSysfs))
	if err != nil {
		t.Fatalf("NewCore returned error: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })

	status := core.Monitor.Status()
	if !status.Degraded {
		t.Fatalf("expected degraded status without class/drm")
	}
	if status.Backend != "sysfs" || status.Devices != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestNewCoreIdentityWithoutDevices(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t, config.BackendIdentity)
	if err := os.MkdirAll(filepath.Join(cfg.SysfsRoot, "class", "drm"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg.DefaultDevice = "gpu3"

	core, err := NewCore(context.Background(), logger, cfg)
	if err != nil {
		t.Fatalf("NewCore returned error: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })

	status := core.Monitor.Status()
	if status.Degraded || status.Backend != "identity" || status.Devices != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if !core.Monitor.Ready() {
		t.Fatalf("an empty device set is ready")
	}
	if _, ok := core.Monitor.Selected(); ok {
		t.Fatalf("no device can be selected")
	}
}

func TestNewCoreRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewCore(context.Background(), logger, testConfig(t, "opencl")); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
