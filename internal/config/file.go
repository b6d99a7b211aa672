package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML layout of APP_CONFIG_FILE. Every field is optional;
// zero values keep the defaults.
type fileConfig struct {
	SampleInterval string      `yaml:"sample_interval"`
	HistorySize    int         `yaml:"history_size"`
	Backend        string      `yaml:"backend"`
	BackendTimeout string      `yaml:"backend_timeout"`
	Tuning         *fileTuning `yaml:"tuning"`
}

type fileTuning struct {
	Baseline           string      `yaml:"baseline"`
	FanAnchorsC        []float64   `yaml:"fan_anchors_c"`
	DefaultFanRamp     []float64   `yaml:"default_fan_ramp"`
	CoreOffsetLimitMHz *int        `yaml:"core_offset_limit_mhz"`
	MemOffsetLimitMHz  *int        `yaml:"mem_offset_limit_mhz"`
	PowerLimitPct      *fileBounds `yaml:"power_limit_pct"`
}

type fileBounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func applyFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.SampleInterval != "" {
		d, err := time.ParseDuration(fc.SampleInterval)
		if err != nil || d <= 0 {
			return fmt.Errorf("sample_interval must be a positive duration, got %q", fc.SampleInterval)
		}
		cfg.SampleInterval = d
	}
	if fc.HistorySize < 0 {
		return fmt.Errorf("history_size must be > 0")
	}
	if fc.HistorySize > 0 {
		cfg.HistorySize = fc.HistorySize
	}
	if fc.Backend != "" {
		switch fc.Backend {
		case BackendAuto, BackendNVML, BackendSysfs, BackendIdentity:
			cfg.Backend.Kind = fc.Backend
		default:
			return fmt.Errorf("unsupported backend %q", fc.Backend)
		}
	}
	if fc.BackendTimeout != "" {
		d, err := time.ParseDuration(fc.BackendTimeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("backend_timeout must be a positive duration, got %q", fc.BackendTimeout)
		}
		cfg.Backend.Timeout = d
	}

	if t := fc.Tuning; t != nil {
		if t.Baseline != "" {
			cfg.Tuning.Baseline = t.Baseline
		}
		if len(t.FanAnchorsC) > 0 {
			cfg.Tuning.FanAnchorsC = t.FanAnchorsC
		}
		if len(t.DefaultFanRamp) > 0 {
			cfg.Tuning.DefaultFanRamp = t.DefaultFanRamp
		}
		if t.CoreOffsetLimitMHz != nil {
			cfg.Tuning.CoreOffsetLimitMHz = *t.CoreOffsetLimitMHz
		}
		if t.MemOffsetLimitMHz != nil {
			cfg.Tuning.MemOffsetLimitMHz = *t.MemOffsetLimitMHz
		}
		if t.PowerLimitPct != nil {
			cfg.Tuning.PowerPctMin = t.PowerLimitPct.Min
			cfg.Tuning.PowerPctMax = t.PowerLimitPct.Max
		}
	}

	return nil
}
