// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/config"
	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/history"
	"github.com/skobkin/gputune/internal/httpserver"
	"github.com/skobkin/gputune/internal/monitor"
	"github.com/skobkin/gputune/internal/platform"
	"github.com/skobkin/gputune/internal/sampler"
	"github.com/skobkin/gputune/internal/tuning"
)

const shutdownTimeout = 10 * time.Second

// Core holds the wired core components shared by the server and the CLI.
type Core struct {
	Backend *backend.Guard
	Manager *sampler.Manager
	Monitor *monitor.Monitor
}

// NewCore selects the backend, enumerates devices and wires the sampler,
// history and tuning components. A backend that fails to initialise leaves
// the core in degraded mode rather than returning an error.
func NewCore(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (*Core, error) {
	selection, err := platform.Open(ctx, cfg, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("select backend: %w", err)
	}
	return NewCoreFromSelection(ctx, baseLogger, cfg, selection)
}

// NewCoreFromSelection wires the core over an already opened backend. The
// core takes ownership of the backend and closes it on failure.
func NewCoreFromSelection(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, selection platform.Selection) (*Core, error) {
	appLogger := baseLogger.With("component", "app")

	degraded := selection.Status != backend.StatusReady
	if degraded {
		appLogger.Warn("backend unavailable, running degraded", "backend", selection.Backend.Name())
	}

	registry := device.NewRegistry(selection.Backend, degraded, baseLogger)
	store := history.NewStore[sampler.Sample](cfg.HistorySize)
	samp := sampler.New(selection.Backend, baseLogger)

	manager, err := sampler.NewManager(cfg.SampleInterval, registry, samp, store, baseLogger)
	if err != nil {
		_ = selection.Backend.Close()
		return nil, fmt.Errorf("init sampler manager: %w", err)
	}

	controller, err := tuning.NewController(selection.Backend, manager, cfg.Tuning, baseLogger)
	if err != nil {
		_ = selection.Backend.Close()
		return nil, fmt.Errorf("init tuning controller: %w", err)
	}

	mon, err := monitor.New(registry, manager, store, controller, baseLogger)
	if err != nil {
		_ = selection.Backend.Close()
		return nil, fmt.Errorf("init monitor: %w", err)
	}

	result, err := mon.RefreshDevices(ctx)
	if err != nil {
		appLogger.Warn("initial device enumeration failed", "err", err)
	}
	appLogger.Info("discovered devices", "count", len(result.Devices), "backend", selection.Backend.Name())

	if cfg.DefaultDevice != "" && cfg.DefaultDevice != "auto" {
		if err := mon.Select(cfg.DefaultDevice); err != nil {
			appLogger.Warn("configured default device not found", "device_id", cfg.DefaultDevice)
		}
	}

	return &Core{
		Backend: selection.Backend,
		Manager: manager,
		Monitor: mon,
	}, nil
}

// Close stops subscribers and releases the backend.
func (c *Core) Close() error {
	return errors.Join(c.Manager.Close(), c.Backend.Close())
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	core, err := NewCore(ctx, baseLogger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			appLogger.Warn("core close", "err", err)
		}
	}()

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- core.Manager.Run(samplerCtx)
	}()

	srv := httpserver.New(cfg, baseLogger, core.Monitor)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	waitSampler := func() error {
		samplerCancel()
		if samplerErrCh == nil {
			return nil
		}
		if err := <-samplerErrCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	for {
		select {
		case err := <-errCh:
			if err != nil {
				samplerCancel()
				return err
			}
			return waitSampler()
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			if err := waitSampler(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
