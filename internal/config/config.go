package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend kinds accepted by APP_BACKEND.
const (
	BackendAuto     = "auto"
	BackendNVML     = "nvml"
	BackendSysfs    = "sysfs"
	BackendIdentity = "identity"
)

// Baseline policies accepted by APP_TUNING_BASELINE.
const (
	BaselineLive   = "live"
	BaselinePinned = "pinned"
)

// Config represents runtime configuration sourced from environment variables
// and an optional YAML file.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	DefaultDevice    string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	DebugfsRoot      string
	ProcRoot         string
	HistorySize      int
	ConfigFile       string
	Backend          BackendConfig
	WS               WebsocketConfig
	Tuning           TuningConfig
}

// BackendConfig selects and bounds the hardware backend.
type BackendConfig struct {
	Kind    string
	Timeout time.Duration
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// TuningConfig holds the tuning tables and limits.
type TuningConfig struct {
	Baseline           string
	FanAnchorsC        []float64
	DefaultFanRamp     []float64
	CoreOffsetLimitMHz int
	MemOffsetLimitMHz  int
	PowerPctMin        float64
	PowerPctMax        float64
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		SampleInterval:   time.Second,
		AllowedOrigins:   []string{"*"},
		DefaultDevice:    "auto",
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		DebugfsRoot:      "/sys/kernel/debug",
		ProcRoot:         "/proc",
		HistorySize:      100,
		Backend: BackendConfig{
			Kind:    BackendAuto,
			Timeout: 2 * time.Second,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Tuning: DefaultTuning(),
	}
}

// DefaultTuning returns the stock tuning tables.
func DefaultTuning() TuningConfig {
	return TuningConfig{
		Baseline:           BaselineLive,
		FanAnchorsC:        []float64{30, 50, 65, 75, 85},
		DefaultFanRamp:     []float64{30, 45, 60, 75, 90},
		CoreOffsetLimitMHz: 200,
		MemOffsetLimitMHz:  500,
		PowerPctMin:        50,
		PowerPctMax:        120,
	}
}

// Load parses configuration, applying defaults, then the YAML file named by
// APP_CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	return LoadWithFile(strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")))
}

// LoadWithFile is Load with an explicit config file path. An empty path skips
// the file.
func LoadWithFile(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := applyFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
		cfg.ConfigFile = path
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_SAMPLE_INTERVAL")); value != "" {
		duration, err := parsePositiveDuration("APP_SAMPLE_INTERVAL", value)
		if err != nil {
			return Config{}, err
		}
		cfg.SampleInterval = duration
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_DEFAULT_DEVICE")); value != "" {
		cfg.DefaultDevice = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_DEBUGFS_ROOT")); value != "" {
		cfg.DebugfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_ROOT")); value != "" {
		cfg.ProcRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_HISTORY_SIZE")); value != "" {
		size, err := parsePositiveInt("APP_HISTORY_SIZE", value)
		if err != nil {
			return Config{}, err
		}
		cfg.HistorySize = size
	}

	if value := strings.TrimSpace(os.Getenv("APP_BACKEND")); value != "" {
		kind := strings.ToLower(value)
		switch kind {
		case BackendAuto, BackendNVML, BackendSysfs, BackendIdentity:
			cfg.Backend.Kind = kind
		default:
			return Config{}, fmt.Errorf("APP_BACKEND must be one of auto, nvml, sysfs, identity; got %q", value)
		}
	}

	if value := strings.TrimSpace(os.Getenv("APP_BACKEND_TIMEOUT")); value != "" {
		timeout, err := parsePositiveDuration("APP_BACKEND_TIMEOUT", value)
		if err != nil {
			return Config{}, err
		}
		cfg.Backend.Timeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_TUNING_BASELINE")); value != "" {
		policy, err := parseBaseline(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_TUNING_BASELINE: %w", err)
		}
		cfg.Tuning.Baseline = policy
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := parsePositiveInt("APP_WS_MAX_CLIENTS", value)
		if err != nil {
			return Config{}, err
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := parsePositiveDuration("APP_WS_WRITE_TIMEOUT", value)
		if err != nil {
			return Config{}, err
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_READ_TIMEOUT")); value != "" {
		timeout, err := parsePositiveDuration("APP_WS_READ_TIMEOUT", value)
		if err != nil {
			return Config{}, err
		}
		cfg.WS.ReadTimeout = timeout
	}

	if err := cfg.Tuning.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the tuning tables for internal consistency.
func (t TuningConfig) Validate() error {
	if _, err := parseBaseline(t.Baseline); err != nil {
		return fmt.Errorf("tuning baseline: %w", err)
	}
	if len(t.FanAnchorsC) < 2 {
		return fmt.Errorf("tuning needs at least two fan anchors, got %d", len(t.FanAnchorsC))
	}
	if len(t.DefaultFanRamp) != len(t.FanAnchorsC) {
		return fmt.Errorf("default fan ramp has %d points, anchors have %d", len(t.DefaultFanRamp), len(t.FanAnchorsC))
	}
	for i := 1; i < len(t.FanAnchorsC); i++ {
		if t.FanAnchorsC[i] <= t.FanAnchorsC[i-1] {
			return fmt.Errorf("fan anchors must be strictly increasing")
		}
	}
	for i, pct := range t.DefaultFanRamp {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("default fan ramp point %d out of range: %v", i, pct)
		}
		if i > 0 && pct < t.DefaultFanRamp[i-1] {
			return fmt.Errorf("default fan ramp must be non-decreasing")
		}
	}
	if t.CoreOffsetLimitMHz < 0 || t.MemOffsetLimitMHz < 0 {
		return fmt.Errorf("clock offset limits must be >= 0")
	}
	if t.PowerPctMin <= 0 || t.PowerPctMax < t.PowerPctMin {
		return fmt.Errorf("power limit percent bounds invalid: [%v, %v]", t.PowerPctMin, t.PowerPctMax)
	}
	if t.PowerPctMin > 100 || t.PowerPctMax < 100 {
		return fmt.Errorf("power limit percent bounds must include 100: [%v, %v]", t.PowerPctMin, t.PowerPctMax)
	}
	return nil
}

func parseBaseline(value string) (string, error) {
	switch policy := strings.ToLower(strings.TrimSpace(value)); policy {
	case BaselineLive, BaselinePinned:
		return policy, nil
	default:
		return "", fmt.Errorf("unsupported baseline policy %q", value)
	}
}

func parsePositiveDuration(key, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return duration, nil
}

func parsePositiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
