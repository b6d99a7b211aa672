package sysfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/skobkin/gputune/internal/backend"
)

const (
	gpuBusyFilename       = "gpu_busy_percent"
	memBusyFilename       = "mem_busy_percent"
	ppDpmSclkFilename     = "pp_dpm_sclk"
	ppDpmMclkFilename     = "pp_dpm_mclk"
	vramUsedFilename      = "mem_info_vram_used"
	vramTotalFilename     = "mem_info_vram_total"
	debugPmInfoFilename   = "amdgpu_pm_info"
	hwmonTempFile         = "temp1_input"
	hwmonPWMFile          = "pwm1"
	hwmonPWMMaxFile       = "pwm1_max"
	hwmonPowerAverageFile = "power1_average"
	hwmonPowerInputFile   = "power1_input"
	hwmonPowerCapFile     = "power1_cap"

	defaultPWMMax = 255
)

// reader fetches raw telemetry for a single DRM card.
type reader struct {
	cardID       string
	devicePath   string
	debugCardDir string
	hwmonPath    string
	logger       *slog.Logger
}

func newReader(cardID, sysfsRoot, debugfsRoot string, logger *slog.Logger) (*reader, error) {
	cardIndex, err := parseCardIndex(cardID)
	if err != nil {
		return nil, err
	}

	devicePath := filepath.Join(sysfsRoot, drmClassPath, cardID, "device")
	if _, err := os.Stat(devicePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", cardID, backend.ErrDeviceNotFound)
		}
		return nil, fmt.Errorf("stat device path: %w", err)
	}

	var debugCardDir string
	if debugfsRoot != "" {
		debugCardDir = filepath.Join(debugfsRoot, "dri", strconv.Itoa(cardIndex))
	}

	return &reader{
		cardID:       cardID,
		devicePath:   devicePath,
		debugCardDir: debugCardDir,
		hwmonPath:    detectHwmon(devicePath),
		logger:       logger.With("card", cardID),
	}, nil
}

// sample collects raw metrics. Missing files are reported as unsupported,
// files that exist but cannot be read or parsed as transient failures.
func (r *reader) sample() backend.PartialSample {
	var s backend.PartialSample

	s.GPUUtilPct = r.readPercent(filepath.Join(r.devicePath, gpuBusyFilename))
	s.MemUtilPct = r.readPercent(filepath.Join(r.devicePath, memBusyFilename))
	s.CoreClockMHz = r.readCurrentClock(ppDpmSclkFilename)
	s.MemClockMHz = r.readCurrentClock(ppDpmMclkFilename)
	s.MemUsedBytes = r.readValue(filepath.Join(r.devicePath, vramUsedFilename), 1)
	s.MemTotalBytes = r.readValue(filepath.Join(r.devicePath, vramTotalFilename), 1)

	if r.hwmonPath != "" {
		s.TemperatureMilliC = r.readValue(filepath.Join(r.hwmonPath, hwmonTempFile), 1)
		s.FanPct = r.readFanPercent()
		// hwmon reports microwatts.
		s.PowerMilliW = r.readValue(filepath.Join(r.hwmonPath, hwmonPowerAverageFile), 1000)
		if !s.PowerMilliW.OK() {
			s.PowerMilliW = r.readValue(filepath.Join(r.hwmonPath, hwmonPowerInputFile), 1000)
		}
		s.PowerLimitMilliW = r.readValue(filepath.Join(r.hwmonPath, hwmonPowerCapFile), 1000)
	} else {
		s.TemperatureMilliC = backend.Unsupported()
		s.FanPct = backend.Unsupported()
		s.PowerMilliW = backend.Unsupported()
		s.PowerLimitMilliW = backend.Unsupported()
	}

	// Optional debugfs fallback for select metrics.
	if !s.GPUUtilPct.OK() || !s.CoreClockMHz.OK() || !s.MemClockMHz.OK() || !s.PowerMilliW.OK() || !s.TemperatureMilliC.OK() {
		info := r.readDebugFSInfo()
		fill := func(dst *backend.Reading, src *float64, scale float64) {
			if !dst.OK() && src != nil {
				*dst = backend.Value(*src * scale)
			}
		}
		fill(&s.GPUUtilPct, info.gpuLoad, 1)
		fill(&s.CoreClockMHz, info.sclkMHz, 1)
		fill(&s.MemClockMHz, info.mclkMHz, 1)
		fill(&s.PowerMilliW, info.powerW, 1000)
		fill(&s.TemperatureMilliC, info.tempC, 1000)
	}

	return s
}

func (r *reader) readPercent(path string) backend.Reading {
	reading := r.readValue(path, 1)
	if !reading.OK() {
		return reading
	}
	value := reading.Value
	if value < 0 {
		return backend.Failed()
	}
	if value > 100 {
		// Some kernels report busy % scaled by 100.
		value = clamp(value/100, 0, 100)
	}
	return backend.Value(value)
}

func (r *reader) readFanPercent() backend.Reading {
	pwm := r.readValue(filepath.Join(r.hwmonPath, hwmonPWMFile), 1)
	if !pwm.OK() {
		return pwm
	}
	maxPWM := float64(defaultPWMMax)
	if value := r.readValue(filepath.Join(r.hwmonPath, hwmonPWMMaxFile), 1); value.OK() && value.Value > 0 {
		maxPWM = value.Value
	}
	return backend.Value(clamp(pwm.Value/maxPWM*100, 0, 100))
}

func (r *reader) readCurrentClock(filename string) backend.Reading {
	raw, err := os.ReadFile(filepath.Join(r.devicePath, filename))
	if err != nil {
		return readErrorState(err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "*") {
			continue
		}
		if clock, ok := extractClockMHz(line); ok {
			return backend.Value(clock)
		}
	}
	return backend.Failed()
}

// readValue reads a single number and divides it by divisor.
func (r *reader) readValue(path string, divisor float64) backend.Reading {
	data, err := os.ReadFile(path)
	if err != nil {
		return readErrorState(err)
	}
	valueStr := strings.TrimSpace(string(data))
	if valueStr == "" {
		return backend.Failed()
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		r.logger.Debug("failed to parse sysfs value", "path", path, "value", valueStr, "err", err)
		return backend.Failed()
	}
	return backend.Value(value / divisor)
}

func readErrorState(err error) backend.Reading {
	if errors.Is(err, fs.ErrNotExist) {
		return backend.Unsupported()
	}
	return backend.Failed()
}

func (r *reader) readDebugFSInfo() debugInfo {
	if r.debugCardDir == "" {
		return debugInfo{}
	}
	data, err := os.ReadFile(filepath.Join(r.debugCardDir, debugPmInfoFilename))
	if err != nil {
		return debugInfo{}
	}

	info := debugInfo{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		val, ok := extractFirstFloat(line)
		if !ok {
			continue
		}

		switch {
		case strings.HasPrefix(lower, "gpu load"):
			info.gpuLoad = float64Ptr(val)
		case strings.HasPrefix(lower, "sclk"), strings.HasPrefix(lower, "average gfxclk"):
			info.sclkMHz = float64Ptr(val)
		case strings.HasPrefix(lower, "mclk"), strings.HasPrefix(lower, "average memclk"):
			info.mclkMHz = float64Ptr(val)
		case strings.HasPrefix(lower, "gpu temperature"):
			info.tempC = float64Ptr(val)
		case strings.HasPrefix(lower, "gpu power"), strings.HasPrefix(lower, "power:"):
			info.powerW = float64Ptr(val)
		case strings.Contains(lower, "gpu load") && info.gpuLoad == nil:
			info.gpuLoad = float64Ptr(val)
		}
	}

	return info
}

type debugInfo struct {
	gpuLoad *float64
	sclkMHz *float64
	mclkMHz *float64
	tempC   *float64
	powerW  *float64
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

func parseCardIndex(cardID string) (int, error) {
	if !isCardDevice(cardID) {
		return 0, fmt.Errorf("invalid card id %q", cardID)
	}
	index, err := strconv.Atoi(cardID[len("card"):])
	if err != nil {
		return 0, fmt.Errorf("parse card index: %w", err)
	}
	return index, nil
}

func extractClockMHz(line string) (float64, bool) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "*"))
	for _, field := range strings.Fields(line) {
		field = strings.ToLower(strings.TrimSuffix(field, "*"))
		if !strings.HasSuffix(field, "mhz") {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSuffix(field, "mhz"), 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

func extractFirstFloat(line string) (float64, bool) {
	var buf strings.Builder
	var seen bool
	for _, r := range line {
		if unicode.IsDigit(r) || r == '.' || (r == '-' && !seen) {
			buf.WriteRune(r)
			seen = true
			continue
		}
		if seen {
			// Thousands separators.
			if r == ',' {
				continue
			}
			break
		}
	}
	if !seen {
		return 0, false
	}
	value, err := strconv.ParseFloat(buf.String(), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func float64Ptr(value float64) *float64 {
	return &value
}
