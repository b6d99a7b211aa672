// Package cli implements gputunectl, a command-line client that drives the
// core directly without the HTTP server.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/skobkin/gputune/internal/app"
	"github.com/skobkin/gputune/internal/config"
	"github.com/skobkin/gputune/internal/version"
)

// CoreFactory builds the core for one command invocation.
type CoreFactory func(ctx context.Context, logger *slog.Logger, cfg config.Config) (*app.Core, error)

type globalOptions struct {
	backend    string
	sysfsRoot  string
	configFile string
	logLevel   string
	jsonOutput bool
	noColor    bool
}

type runtime struct {
	opts     *globalOptions
	factory  CoreFactory
	load     func(path string) (config.Config, error)
	logLevel slog.Level
}

// NewRootCommand builds the gputunectl command tree. A nil factory uses
// app.NewCore.
func NewRootCommand(factory CoreFactory) *cobra.Command {
	if factory == nil {
		factory = app.NewCore
	}
	rt := &runtime{
		opts:    &globalOptions{},
		factory: factory,
		load:    config.LoadWithFile,
	}

	root := &cobra.Command{
		Use:   "gputunectl",
		Short: "Inspect and tune GPUs from the command line",
		Long: `gputunectl reads GPU telemetry and applies tuning targets through the same
backend the gputune server uses. Configuration comes from APP_* environment
variables and the optional YAML file; flags override both.`,
		Version:       version.Current().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.logLevel.UnmarshalText([]byte(rt.opts.logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: want debug, info, warn or error", rt.opts.logLevel)
			}
			if rt.opts.noColor || !isTerminal(cmd.OutOrStdout()) {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&rt.opts.backend, "backend", "", "backend to use: auto, nvml, sysfs or identity")
	flags.StringVar(&rt.opts.sysfsRoot, "sysfs", "", "path to sysfs root")
	flags.StringVar(&rt.opts.configFile, "config", "", "path to YAML config file")
	flags.StringVar(&rt.opts.logLevel, "log-level", "error", "log level: debug, info, warn or error")
	flags.BoolVar(&rt.opts.jsonOutput, "json", false, "emit JSON instead of tables")
	flags.BoolVar(&rt.opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newDevicesCommand(rt),
		newStatusCommand(rt),
		newSampleCommand(rt),
		newApplyCommand(rt),
	)
	return root
}

// Execute runs gputunectl with os.Args and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(nil)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// config loads APP_* configuration and applies flag overrides.
func (rt *runtime) config() (config.Config, error) {
	path := rt.opts.configFile
	if path == "" {
		path = strings.TrimSpace(os.Getenv("APP_CONFIG_FILE"))
	}
	cfg, err := rt.load(path)
	if err != nil {
		return config.Config{}, err
	}
	if rt.opts.backend != "" {
		cfg.Backend.Kind = strings.ToLower(rt.opts.backend)
	}
	if rt.opts.sysfsRoot != "" {
		cfg.SysfsRoot = rt.opts.sysfsRoot
	}
	return cfg, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (rt *runtime) logger(stderr io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: rt.logLevel}))
}

// withCore builds the core, runs fn and releases the backend.
func (rt *runtime) withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.Core) error) error {
	cfg, err := rt.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	core, err := rt.factory(ctx, rt.logger(cmd.ErrOrStderr()), cfg)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(ctx, core)
}
