// Package backendtest provides an in-memory backend for tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/skobkin/gputune/internal/backend"
)

// Fake is a scriptable backend. Tests set devices, queue samples and
// choose write results; every call is recorded.
type Fake struct {
	mu sync.Mutex

	status       backend.Status
	capabilities backend.Capabilities
	devices      []backend.Identity
	enumerateErr error
	samples      map[string][]backend.PartialSample
	lastSample   map[string]backend.PartialSample
	writeResult  *backend.WriteResult
	writes       []Write
	readCalls    map[string]int
	closed       bool

	// EnumerateHook, when set, runs at the start of every Enumerate.
	EnumerateHook func(ctx context.Context)
	// ReadHook, when set, runs at the start of every Read.
	ReadHook func(ctx context.Context, handle string)
	// WriteHook, when set, runs at the start of every Write.
	WriteHook func(ctx context.Context, handle string, req backend.WriteRequest)
}

// Write records one Write call.
type Write struct {
	Handle  string
	Request backend.WriteRequest
}

var _ backend.Backend = (*Fake)(nil)

// New returns a ready fake with full capabilities.
func New(devices ...backend.Identity) *Fake {
	return &Fake{
		status: backend.StatusReady,
		capabilities: backend.Capabilities{
			backend.CapEnumerate,
			backend.CapReadTelemetry,
			backend.CapWriteTuning,
		},
		devices:    devices,
		samples:    make(map[string][]backend.PartialSample),
		lastSample: make(map[string]backend.PartialSample),
		readCalls:  make(map[string]int),
	}
}

// Device builds a tuning-capable identity whose handle and unique id derive from key.
func Device(key, name string) backend.Identity {
	return backend.Identity{
		Handle:        "handle-" + key,
		UniqueID:      "uuid-" + key,
		Name:          name,
		DriverVersion: "550.54",
		VendorCapable: true,
	}
}

// SetStatus sets the Init result.
func (f *Fake) SetStatus(status backend.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// SetCapabilities overrides the reported capabilities.
func (f *Fake) SetCapabilities(caps backend.Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capabilities = caps
}

// SetDevices replaces the enumerated device list.
func (f *Fake) SetDevices(devices ...backend.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append([]backend.Identity(nil), devices...)
}

// SetEnumerateError makes every subsequent Enumerate fail with err until it
// is reset with nil.
func (f *Fake) SetEnumerateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumerateErr = err
}

// QueueSamples appends samples returned by successive reads of handle. Once
// the queue drains, the last sample is repeated.
func (f *Fake) QueueSamples(handle string, samples ...backend.PartialSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[handle] = append(f.samples[handle], samples...)
}

// SetWriteResult fixes the result of every subsequent Write.
func (f *Fake) SetWriteResult(result backend.WriteResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeResult = &result
}

// Writes returns the recorded writes.
func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// ReadCalls returns how many times handle has been read.
func (f *Fake) ReadCalls(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCalls[handle]
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Name() string {
	return "fake"
}

func (f *Fake) Capabilities() backend.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(backend.Capabilities(nil), f.capabilities...)
}

func (f *Fake) Init(context.Context) backend.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fake) Enumerate(ctx context.Context) ([]backend.Identity, error) {
	if f.EnumerateHook != nil {
		f.EnumerateHook(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != backend.StatusReady {
		return nil, backend.ErrUnavailable
	}
	if f.enumerateErr != nil {
		return nil, f.enumerateErr
	}
	return append([]backend.Identity(nil), f.devices...), nil
}

func (f *Fake) Read(ctx context.Context, handle string) backend.PartialSample {
	if f.ReadHook != nil {
		f.ReadHook(ctx, handle)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls[handle]++

	queue := f.samples[handle]
	if len(queue) == 0 {
		if last, ok := f.lastSample[handle]; ok {
			return last
		}
		return backend.AllFailed()
	}
	next := queue[0]
	f.samples[handle] = queue[1:]
	f.lastSample[handle] = next
	return next
}

func (f *Fake) Write(ctx context.Context, handle string, req backend.WriteRequest) backend.WriteResult {
	if f.WriteHook != nil {
		f.WriteHook(ctx, handle, req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, Write{Handle: handle, Request: req})
	if f.writeResult != nil {
		return *f.writeResult
	}
	return backend.WriteResult{
		PowerLimit: appliedUnlessZero(req.PowerLimitW),
		CoreClock:  appliedUnlessZero(req.CoreClockMHz),
		MemClock:   appliedUnlessZero(req.MemClockMHz),
	}
}

func appliedUnlessZero(value int) backend.WriteStatus {
	if value == 0 {
		return backend.NotAttempted(nil)
	}
	return backend.Applied()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FullSample builds a sample where every field is readable, in backend units.
func FullSample(tempC, gpuUtil, powerW, powerLimitW, coreMHz, memMHz, fanPct float64) backend.PartialSample {
	return backend.PartialSample{
		TemperatureMilliC: backend.Value(tempC * 1000),
		GPUUtilPct:        backend.Value(gpuUtil),
		MemUtilPct:        backend.Value(gpuUtil / 2),
		PowerMilliW:       backend.Value(powerW * 1000),
		PowerLimitMilliW:  backend.Value(powerLimitW * 1000),
		CoreClockMHz:      backend.Value(coreMHz),
		MemClockMHz:       backend.Value(memMHz),
		FanPct:            backend.Value(fanPct),
		MemUsedBytes:      backend.Value(2048 * 1024 * 1024),
		MemTotalBytes:     backend.Value(8192 * 1024 * 1024),
	}
}
