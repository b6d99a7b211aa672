// Package tuning owns per-device tuning targets and applies them through the
// platform backend.
package tuning

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/config"
	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/sampler"
)

// Field names reported in an ApplyOutcome.
const (
	FieldPowerLimit = "power_limit"
	FieldCoreClock  = "core_clock"
	FieldMemClock   = "mem_clock"
	FieldFanCurve   = "fan_curve"
)

// Aggregate apply results.
const (
	ResultFullyApplied     = "fully_applied"
	ResultPartiallyApplied = "partially_applied"
	ResultFailed           = "failed"
)

const permissionSuggestion = "run gputune as root or grant it CAP_SYS_ADMIN to change tuning"

// BaselineSource yields the latest committed sample for a device.
type BaselineSource interface {
	Latest(deviceID string) (sampler.Sample, bool)
}

// FieldResult reports the write of one tuning field.
type FieldResult struct {
	Field      string `json:"field"`
	Status     string `json:"status"`
	Requested  int    `json:"requested,omitempty"`
	Error      string `json:"error,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ApplyOutcome is the result of one Apply call.
type ApplyOutcome struct {
	DeviceID  string          `json:"device_id"`
	Result    string          `json:"result"`
	Fields    []FieldResult   `json:"fields"`
	Detail    string          `json:"detail"`
	Baseline  *sampler.Sample `json:"baseline,omitempty"`
	Target    Target          `json:"target"`
	AppliedAt time.Time       `json:"applied_at"`
}

// Controller stages targets and applies them. Apply is serialized per device;
// different devices apply concurrently.
type Controller struct {
	backend   backend.Backend
	baselines BaselineSource
	cfg       config.TuningConfig
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	targets map[string]Target
	pinned  map[string]sampler.Sample
	locks   map[string]chan struct{}
}

// NewController validates the tuning tables and returns a controller.
func NewController(b backend.Backend, baselines BaselineSource, cfg config.TuningConfig, logger *slog.Logger) (*Controller, error) {
	if b == nil || baselines == nil {
		return nil, fmt.Errorf("backend and baseline source are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tuning config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		backend:   b,
		baselines: baselines,
		cfg:       cfg,
		logger:    logger.With("component", "tuning"),
		now:       time.Now,
		targets:   make(map[string]Target),
		pinned:    make(map[string]sampler.Sample),
		locks:     make(map[string]chan struct{}),
	}, nil
}

// DefaultsFor returns the stock target for a device. Deltas and the power
// percentage are relative to the baseline, so the stock target keeps the
// device where it is. Under the pinned policy the current latest sample is
// captured as the device's baseline.
func (c *Controller) DefaultsFor(deviceID string) Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinBaselineLocked(deviceID)
	return defaults(c.cfg)
}

// Stage clamps target into range and stores it. No hardware I/O happens.
func (c *Controller) Stage(deviceID string, target Target) Target {
	staged := normalize(target, c.cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinBaselineLocked(deviceID)
	c.targets[deviceID] = staged
	return staged.clone()
}

// Target returns the staged target, or defaults when nothing was staged.
func (c *Controller) Target(deviceID string) Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.targets[deviceID]; ok {
		return t.clone()
	}
	return defaults(c.cfg)
}

// ResetToDefault discards the staged target and any pinned baseline.
func (c *Controller) ResetToDefault(deviceID string) Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, deviceID)
	delete(c.pinned, deviceID)
	c.pinBaselineLocked(deviceID)
	return defaults(c.cfg)
}

// Forget drops targets and baselines of removed devices.
func (c *Controller) Forget(deviceIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range deviceIDs {
		delete(c.targets, id)
		delete(c.pinned, id)
	}
}

// Apply writes the device's staged target. The power limit is written
// before the clocks; each field succeeds or fails on its own and nothing is
// rolled back.
func (c *Controller) Apply(ctx context.Context, dev device.Device) ApplyOutcome {
	logger := c.logger.With("device_id", dev.ID)

	release, err := c.acquire(ctx, dev.ID)
	if err != nil {
		return c.failedOutcome(dev.ID, c.Target(dev.ID), fmt.Sprintf("apply canceled: %v", err))
	}
	defer release()

	target := c.Target(dev.ID)
	baseline, ok := c.baseline(dev.ID)
	if !ok {
		return c.failedOutcome(dev.ID, target, "no telemetry sample yet; nothing to apply against")
	}

	// Fields whose baseline was never read stay zero and are not written.
	unread := unreadBaseline(baseline)
	var req backend.WriteRequest
	if !unread[FieldPowerLimit] {
		req.PowerLimitW = int(math.Round(baseline.PowerLimitW * float64(target.PowerLimitPct) / 100))
	}
	if !unread[FieldCoreClock] {
		req.CoreClockMHz = int(math.Round(baseline.CoreClockMHz)) + target.CoreClockDeltaMHz
	}
	if !unread[FieldMemClock] {
		req.MemClockMHz = int(math.Round(baseline.MemClockMHz)) + target.MemClockDeltaMHz
	}

	var result backend.WriteResult
	if !req.Empty() {
		logger.Info("applying tuning target",
			"power_limit_w", req.PowerLimitW,
			"core_clock_mhz", req.CoreClockMHz,
			"mem_clock_mhz", req.MemClockMHz,
		)
		result = c.backend.Write(ctx, dev.Handle, req)
	}

	fields := []FieldResult{
		writeField(FieldPowerLimit, req.PowerLimitW, result.PowerLimit, unread),
		writeField(FieldCoreClock, req.CoreClockMHz, result.CoreClock, unread),
		writeField(FieldMemClock, req.MemClockMHz, result.MemClock, unread),
		{Field: FieldFanCurve, Status: backend.WriteNotAttempted.String()},
	}

	outcome := ApplyOutcome{
		DeviceID:  dev.ID,
		Result:    aggregate(fields),
		Fields:    fields,
		Detail:    detail(fields),
		Baseline:  &baseline,
		Target:    target,
		AppliedAt: c.now(),
	}

	if outcome.Result == ResultFullyApplied {
		logger.Info("tuning applied", "result", outcome.Result)
	} else {
		logger.Warn("tuning not fully applied", "result", outcome.Result, "detail", outcome.Detail)
	}
	return outcome
}

func (c *Controller) acquire(ctx context.Context, deviceID string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.locks[deviceID]
	if !ok {
		sem = make(chan struct{}, 1)
		c.locks[deviceID] = sem
	}
	c.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) baseline(deviceID string) (sampler.Sample, bool) {
	if c.cfg.Baseline == config.BaselinePinned {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.pinBaselineLocked(deviceID)
		sample, ok := c.pinned[deviceID]
		return sample, ok
	}
	return c.baselines.Latest(deviceID)
}

// pinBaselineLocked captures the latest sample once per device under the
// pinned policy. c.mu must be held.
func (c *Controller) pinBaselineLocked(deviceID string) {
	if c.cfg.Baseline != config.BaselinePinned {
		return
	}
	if _, ok := c.pinned[deviceID]; ok {
		return
	}
	if sample, ok := c.baselines.Latest(deviceID); ok {
		c.pinned[deviceID] = sample
	}
}

func (c *Controller) failedOutcome(deviceID string, target Target, reason string) ApplyOutcome {
	fields := make([]FieldResult, 0, 4)
	for _, name := range []string{FieldPowerLimit, FieldCoreClock, FieldMemClock, FieldFanCurve} {
		fields = append(fields, FieldResult{Field: name, Status: backend.WriteNotAttempted.String()})
	}
	c.logger.Warn("tuning not applied", "device_id", deviceID, "reason", reason)
	return ApplyOutcome{
		DeviceID:  deviceID,
		Result:    ResultFailed,
		Fields:    fields,
		Detail:    reason,
		Target:    target,
		AppliedAt: c.now(),
	}
}

// unreadBaseline returns the write fields whose baseline value has never been
// read: the sample retained it, but there was no earlier value to retain.
func unreadBaseline(baseline sampler.Sample) map[string]bool {
	sources := []struct {
		field    string
		retained string
		value    float64
	}{
		{FieldPowerLimit, "power_limit_w", baseline.PowerLimitW},
		{FieldCoreClock, "core_clock_mhz", baseline.CoreClockMHz},
		{FieldMemClock, "mem_clock_mhz", baseline.MemClockMHz},
	}
	unread := make(map[string]bool)
	for _, src := range sources {
		if src.value == 0 && slices.Contains(baseline.Retained, src.retained) {
			unread[src.field] = true
		}
	}
	return unread
}

func writeField(field string, requested int, status backend.WriteStatus, unread map[string]bool) FieldResult {
	if unread[field] {
		return FieldResult{
			Field:  field,
			Status: backend.WriteNotAttempted.String(),
			Error:  "no baseline: current value has never been read",
		}
	}
	return fieldResult(field, requested, status)
}

func fieldResult(field string, requested int, status backend.WriteStatus) FieldResult {
	res := FieldResult{
		Field:     field,
		Status:    status.Code.String(),
		Requested: requested,
	}
	if status.Err != nil && status.Code != backend.WriteApplied {
		res.Error = status.Err.Error()
	}
	if status.PermissionDenied() {
		res.Suggestion = permissionSuggestion
	}
	return res
}

// aggregate counts attempted fields; not_attempted ones do not count.
func aggregate(fields []FieldResult) string {
	attempted, applied := 0, 0
	for _, f := range fields {
		switch f.Status {
		case backend.WriteNotAttempted.String():
			continue
		case backend.WriteApplied.String():
			applied++
		}
		attempted++
	}
	switch {
	case attempted > 0 && applied == attempted:
		return ResultFullyApplied
	case applied > 0:
		return ResultPartiallyApplied
	default:
		return ResultFailed
	}
}

func detail(fields []FieldResult) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		part := f.Field + " " + f.Status
		if f.Error != "" {
			part += ": " + f.Error
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}
