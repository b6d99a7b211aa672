package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/gputune/internal/app"
	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/sampler"
	"github.com/skobkin/gputune/internal/tuning"
)

func newDevicesCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List detected GPUs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withCore(cmd, func(_ context.Context, core *app.Core) error {
				devices := core.Monitor.ListDevices()
				out := cmd.OutOrStdout()
				if rt.opts.jsonOutput {
					if devices == nil {
						devices = []device.Device{}
					}
					return writeJSON(out, devices)
				}
				if len(devices) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("No GPUs detected"))
					return nil
				}
				rows := make([][]string, 0, len(devices))
				for _, dev := range devices {
					tunable := "no"
					if dev.VendorCapable {
						tunable = "yes"
					}
					rows = append(rows, []string{dev.ID, dev.Name, dev.PCI, dev.DriverVersion, dev.Backend, tunable})
				}
				table(out, []string{"ID", "NAME", "PCI", "DRIVER", "BACKEND", "TUNABLE"}, rows)
				return nil
			})
		},
	}
}

func newStatusCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the selected backend and its capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withCore(cmd, func(_ context.Context, core *app.Core) error {
				status := core.Monitor.Status()
				out := cmd.OutOrStdout()
				if rt.opts.jsonOutput {
					return writeJSON(out, status)
				}
				state := okStyle.Render("ready")
				if status.Degraded {
					state = warnStyle.Render("degraded")
				}
				fmt.Fprintf(out, "%s %s (%s)\n", headerStyle.Render("backend:"), status.Backend, state)
				fmt.Fprintf(out, "%s %s\n", headerStyle.Render("capabilities:"), strings.Join(status.Capabilities, ", "))
				fmt.Fprintf(out, "%s %d\n", headerStyle.Render("devices:"), status.Devices)
				return nil
			})
		},
	}
}

type sampleOptions struct {
	deviceID string
	watch    bool
	interval time.Duration
	count    int
}

func newSampleCommand(rt *runtime) *cobra.Command {
	opts := &sampleOptions{}
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Read telemetry once, or continuously with --watch",
		Long: `Read one telemetry sample per device. With --watch the command keeps
sampling at --interval until interrupted or --count samples were printed.

Examples:
  gputunectl sample
  gputunectl sample --device gpu1 --json
  gputunectl sample --watch --interval 500ms --count 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.interval <= 0 {
				return fmt.Errorf("--interval must be > 0")
			}
			return rt.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				return runSample(ctx, cmd, rt, core, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.deviceID, "device", "", "limit sampling to one device id")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "keep sampling until interrupted")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "sampling interval for --watch")
	cmd.Flags().IntVar(&opts.count, "count", 0, "stop --watch after this many rounds (0 = unlimited)")
	return cmd
}

func runSample(ctx context.Context, cmd *cobra.Command, rt *runtime, core *app.Core, opts *sampleOptions) error {
	devices := core.Monitor.ListDevices()
	if opts.deviceID != "" {
		dev, err := core.Monitor.Device(opts.deviceID)
		if err != nil {
			return err
		}
		devices = []device.Device{dev}
	}
	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No GPUs detected"))
		return nil
	}

	round := func() error {
		core.Manager.Tick(ctx)
		samples := make([]sampler.Sample, 0, len(devices))
		for _, dev := range devices {
			sample, err := core.Monitor.LatestSample(dev.ID)
			if err != nil {
				return err
			}
			samples = append(samples, sample)
		}
		return printSamples(cmd, rt, samples)
	}

	if err := round(); err != nil {
		return err
	}
	if !opts.watch {
		return nil
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for rounds := 1; opts.count == 0 || rounds < opts.count; rounds++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := round(); err != nil {
				return err
			}
		}
	}
	return nil
}

func printSamples(cmd *cobra.Command, rt *runtime, samples []sampler.Sample) error {
	out := cmd.OutOrStdout()
	if rt.opts.jsonOutput {
		for _, s := range samples {
			if err := writeJSON(out, s); err != nil {
				return err
			}
		}
		return nil
	}

	rows := make([][]string, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, []string{
			s.DeviceID,
			fmt.Sprintf("%.0f°C", s.TemperatureC),
			fmt.Sprintf("%.0f%%", s.GPUUtilPct),
			fmt.Sprintf("%.0f%%", s.MemUtilPct),
			fmt.Sprintf("%.1f/%.0fW", s.PowerW, s.PowerLimitW),
			fmt.Sprintf("%.0f/%.0f", s.CoreClockMHz, s.MemClockMHz),
			fmt.Sprintf("%.0f%%", s.FanPct),
			fmt.Sprintf("%.0f/%.0fMB", s.MemUsedMB, s.MemTotalMB),
		})
	}
	table(out, []string{"ID", "TEMP", "GPU", "MEM", "POWER", "CLOCKS MHZ", "FAN", "VRAM"}, rows)
	return nil
}

type applyOptions struct {
	deviceID   string
	powerPct   int
	coreOffset int
	memOffset  int
	dryRun     bool
}

func newApplyCommand(rt *runtime) *cobra.Command {
	opts := &applyOptions{}
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a power limit and clock offsets to one GPU",
		Long: `Stage a tuning target for one device and write it. The power limit is a
percentage of the current limit; clock offsets are relative to the current
clocks. Values outside the configured limits are clamped.

Examples:
  gputunectl apply --device gpu0 --power-limit 90
  gputunectl apply --device gpu0 --core-offset 100 --mem-offset 200 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.deviceID == "" {
				return fmt.Errorf("--device is required")
			}
			return rt.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				return runApply(ctx, cmd, rt, core, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.deviceID, "device", "", "device id to tune")
	cmd.Flags().IntVar(&opts.powerPct, "power-limit", 100, "power limit in percent of the current limit")
	cmd.Flags().IntVar(&opts.coreOffset, "core-offset", 0, "core clock offset in MHz")
	cmd.Flags().IntVar(&opts.memOffset, "mem-offset", 0, "memory clock offset in MHz")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print the clamped target without writing")
	return cmd
}

var errApplyFailed = errors.New("tuning was not applied")

func runApply(ctx context.Context, cmd *cobra.Command, rt *runtime, core *app.Core, opts *applyOptions) error {
	if _, err := core.Monitor.Device(opts.deviceID); err != nil {
		return err
	}

	// Apply needs a committed sample as its baseline.
	core.Manager.Tick(ctx)

	target, err := core.Monitor.Target(opts.deviceID)
	if err != nil {
		return err
	}
	target.PowerLimitPct = opts.powerPct
	target.CoreClockDeltaMHz = opts.coreOffset
	target.MemClockDeltaMHz = opts.memOffset

	staged, err := core.Monitor.Stage(opts.deviceID, target)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.dryRun {
		if rt.opts.jsonOutput {
			return writeJSON(out, staged)
		}
		fmt.Fprintf(out, "%s power %d%%, core %+d MHz, mem %+d MHz\n",
			headerStyle.Render("staged:"), staged.PowerLimitPct, staged.CoreClockDeltaMHz, staged.MemClockDeltaMHz)
		return nil
	}

	outcome, err := core.Monitor.Apply(ctx, opts.deviceID)
	if err != nil {
		return err
	}
	if rt.opts.jsonOutput {
		if err := writeJSON(out, outcome); err != nil {
			return err
		}
	} else {
		renderOutcome(out, outcome)
	}
	if outcome.Result == tuning.ResultFailed {
		return fmt.Errorf("%w: %s", errApplyFailed, outcome.Detail)
	}
	return nil
}
