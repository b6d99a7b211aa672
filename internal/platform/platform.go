// Package platform selects the hardware backend once at startup.
package platform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/backend/identity"
	"github.com/skobkin/gputune/internal/backend/nvml"
	"github.com/skobkin/gputune/internal/backend/sysfs"
	"github.com/skobkin/gputune/internal/config"
)

// autoOrder is the preference order for APP_BACKEND=auto.
var autoOrder = []string{config.BackendNVML, config.BackendSysfs, config.BackendIdentity}

// Selection is the chosen, initialised backend.
type Selection struct {
	Backend *backend.Guard
	Status  backend.Status
}

type builder func() backend.Backend

// Open builds and initialises the backend named by cfg.Backend.Kind. An
// unavailable backend is returned as-is: the caller runs in degraded mode.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Selection, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	builders := map[string]builder{
		config.BackendNVML: func() backend.Backend {
			return nvml.New(logger)
		},
		config.BackendSysfs: func() backend.Backend {
			return sysfs.New(cfg.SysfsRoot, cfg.DebugfsRoot, logger)
		},
		config.BackendIdentity: func() backend.Backend {
			return identity.New(cfg.SysfsRoot, cfg.ProcRoot, logger)
		},
	}
	return open(ctx, cfg.Backend.Kind, cfg.Backend.Timeout, builders, logger.With("component", "platform"))
}

func open(ctx context.Context, kind string, timeout time.Duration, builders map[string]builder, logger *slog.Logger) (Selection, error) {
	if kind != config.BackendAuto {
		build, ok := builders[kind]
		if !ok {
			return Selection{}, fmt.Errorf("unknown backend %q", kind)
		}
		guard := backend.NewGuard(build(), timeout, logger)
		status := guard.Init(ctx)
		logger.Info("backend selected", "backend", guard.Name(), "status", status.String(), "capabilities", guard.Capabilities().String())
		return Selection{Backend: guard, Status: status}, nil
	}

	var (
		fallback       *backend.Guard
		fallbackStatus backend.Status
	)
	for i, name := range autoOrder {
		build, ok := builders[name]
		if !ok {
			continue
		}
		guard := backend.NewGuard(build(), timeout, logger)
		status := guard.Init(ctx)
		last := i == len(autoOrder)-1

		// A ready backend without devices loses to a later variant that has some.
		if status == backend.StatusReady && (last || hasDevices(ctx, guard)) {
			logger.Info("backend selected", "backend", guard.Name(), "mode", "auto", "capabilities", guard.Capabilities().String())
			if fallback != nil {
				closeQuietly(fallback, logger)
			}
			return Selection{Backend: guard, Status: status}, nil
		}

		logger.Debug("backend skipped", "backend", guard.Name(), "status", status.String())
		if fallback == nil && (status == backend.StatusReady || last) {
			fallback, fallbackStatus = guard, status
			continue
		}
		closeQuietly(guard, logger)
	}

	if fallback == nil {
		return Selection{}, fmt.Errorf("no backend could be constructed")
	}
	logger.Warn("no backend reported devices", "backend", fallback.Name(), "status", fallbackStatus.String())
	return Selection{Backend: fallback, Status: fallbackStatus}, nil
}

func hasDevices(ctx context.Context, b backend.Backend) bool {
	ids, err := b.Enumerate(ctx)
	return err == nil && len(ids) > 0
}

func closeQuietly(b backend.Backend, logger *slog.Logger) {
	if err := b.Close(); err != nil {
		logger.Debug("failed to close backend", "backend", b.Name(), "err", err)
	}
}
