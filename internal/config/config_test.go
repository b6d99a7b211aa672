package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.SampleInterval != time.Second {
		t.Fatalf("unexpected SampleInterval %s", cfg.SampleInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.SysfsRoot != "/sys" {
		t.Fatalf("unexpected SysfsRoot %q", cfg.SysfsRoot)
	}
	if cfg.HistorySize != 100 {
		t.Fatalf("unexpected HistorySize %d", cfg.HistorySize)
	}
	if cfg.Backend.Kind != BackendAuto || cfg.Backend.Timeout != 2*time.Second {
		t.Fatalf("unexpected backend config %+v", cfg.Backend)
	}
	if cfg.Tuning.Baseline != BaselineLive {
		t.Fatalf("unexpected baseline %q", cfg.Tuning.Baseline)
	}
	if !reflect.DeepEqual(cfg.Tuning.FanAnchorsC, []float64{30, 50, 65, 75, 85}) {
		t.Fatalf("unexpected fan anchors %v", cfg.Tuning.FanAnchorsC)
	}
	if !reflect.DeepEqual(cfg.Tuning.DefaultFanRamp, []float64{30, 45, 60, 75, 90}) {
		t.Fatalf("unexpected fan ramp %v", cfg.Tuning.DefaultFanRamp)
	}
	if cfg.Tuning.PowerPctMin != 50 || cfg.Tuning.PowerPctMax != 120 {
		t.Fatalf("unexpected power bounds %v..%v", cfg.Tuning.PowerPctMin, cfg.Tuning.PowerPctMax)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_SAMPLE_INTERVAL", "500ms")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_DEFAULT_DEVICE", "gpu1")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_SYSFS_ROOT", "/tmp/sys")
	t.Setenv("APP_DEBUGFS_ROOT", "/tmp/debug")
	t.Setenv("APP_PROC_ROOT", "/tmp/proc")
	t.Setenv("APP_HISTORY_SIZE", "300")
	t.Setenv("APP_BACKEND", "NVML")
	t.Setenv("APP_BACKEND_TIMEOUT", "750ms")
	t.Setenv("APP_TUNING_BASELINE", "pinned")
	t.Setenv("APP_WS_MAX_CLIENTS", "2048")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	if cfg.SampleInterval != 500*time.Millisecond {
		t.Fatalf("SampleInterval override failed, got %s", cfg.SampleInterval)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if cfg.DefaultDevice != "gpu1" {
		t.Fatalf("DefaultDevice override failed, got %q", cfg.DefaultDevice)
	}
	if !cfg.EnablePrometheus || !cfg.EnablePprof {
		t.Fatalf("feature toggles override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.SysfsRoot != "/tmp/sys" || cfg.DebugfsRoot != "/tmp/debug" || cfg.ProcRoot != "/tmp/proc" {
		t.Fatalf("filesystem roots override failed: %q %q %q", cfg.SysfsRoot, cfg.DebugfsRoot, cfg.ProcRoot)
	}
	if cfg.HistorySize != 300 {
		t.Fatalf("HistorySize override failed, got %d", cfg.HistorySize)
	}
	if cfg.Backend.Kind != BackendNVML {
		t.Fatalf("Backend.Kind override failed, got %q", cfg.Backend.Kind)
	}
	if cfg.Backend.Timeout != 750*time.Millisecond {
		t.Fatalf("Backend.Timeout override failed, got %s", cfg.Backend.Timeout)
	}
	if cfg.Tuning.Baseline != BaselinePinned {
		t.Fatalf("Tuning.Baseline override failed, got %q", cfg.Tuning.Baseline)
	}
	if cfg.WS.MaxClients != 2048 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.WriteTimeout != 10*time.Second || cfg.WS.ReadTimeout != 45*time.Second {
		t.Fatalf("WS timeouts override failed: %s %s", cfg.WS.WriteTimeout, cfg.WS.ReadTimeout)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"NegativeSampleInterval", "APP_SAMPLE_INTERVAL", "-1s"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"InvalidHistorySize", "APP_HISTORY_SIZE", "lots"},
		{"NonPositiveHistorySize", "APP_HISTORY_SIZE", "0"},
		{"UnknownBackend", "APP_BACKEND", "rocm"},
		{"InvalidBackendTimeout", "APP_BACKEND_TIMEOUT", "soon"},
		{"NonPositiveBackendTimeout", "APP_BACKEND_TIMEOUT", "0s"},
		{"UnknownBaseline", "APP_TUNING_BASELINE", "drifting"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "-1s"},
		{"MissingConfigFile", "APP_CONFIG_FILE", "/nonexistent/gputune.yaml"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gputune.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
history_size: 240
backend: sysfs
tuning:
  baseline: pinned
  fan_anchors_c: [40, 55, 70, 80, 90]
  default_fan_ramp: [25, 40, 55, 80, 100]
  core_offset_limit_mhz: 150
  mem_offset_limit_mhz: 1000
  power_limit_pct:
    min: 60
    max: 110
`)
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_HISTORY_SIZE", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ConfigFile != path {
		t.Fatalf("ConfigFile not recorded, got %q", cfg.ConfigFile)
	}
	if cfg.HistorySize != 120 {
		t.Fatalf("environment must override the file, got history %d", cfg.HistorySize)
	}
	if cfg.Backend.Kind != BackendSysfs {
		t.Fatalf("backend from file not applied, got %q", cfg.Backend.Kind)
	}
	tuning := cfg.Tuning
	if tuning.Baseline != BaselinePinned {
		t.Fatalf("baseline from file not applied, got %q", tuning.Baseline)
	}
	if !reflect.DeepEqual(tuning.FanAnchorsC, []float64{40, 55, 70, 80, 90}) {
		t.Fatalf("fan anchors from file not applied: %v", tuning.FanAnchorsC)
	}
	if tuning.CoreOffsetLimitMHz != 150 || tuning.MemOffsetLimitMHz != 1000 {
		t.Fatalf("offset limits from file not applied: %d %d", tuning.CoreOffsetLimitMHz, tuning.MemOffsetLimitMHz)
	}
	if tuning.PowerPctMin != 60 || tuning.PowerPctMax != 110 {
		t.Fatalf("power bounds from file not applied: %v..%v", tuning.PowerPctMin, tuning.PowerPctMax)
	}
}

func TestLoadConfigFileRejectsBadTables(t *testing.T) {
	testCases := map[string]string{
		"MismatchedRamp":   "tuning:\n  default_fan_ramp: [10, 20]\n",
		"UnorderedAnchors": "tuning:\n  fan_anchors_c: [30, 20, 65, 75, 85]\n",
		"DecreasingRamp":   "tuning:\n  default_fan_ramp: [30, 45, 40, 75, 90]\n",
		"PowerExcludes100": "tuning:\n  power_limit_pct: {min: 50, max: 90}\n",
		"BadYAML":          "tuning: [",
		"UnknownBackend":   "backend: opencl\n",
	}

	for name, content := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("APP_CONFIG_FILE", writeConfigFile(t, content))
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
