package sampler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/backend/backendtest"
	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/history"
)

type managerFixture struct {
	fake     *backendtest.Fake
	registry *device.Registry
	history  *history.Store[Sample]
	manager  *Manager
}

func newManagerFixture(t *testing.T, interval time.Duration, keys ...string) managerFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ids := make([]backend.Identity, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, backendtest.Device(key, "GPU "+key))
	}
	fake := backendtest.New(ids...)
	registry := device.NewRegistry(fake, false, logger)
	registry.Refresh(context.Background())

	store := history.NewStore[Sample](3)
	manager, err := NewManager(interval, registry, New(fake, logger), store, logger)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	return managerFixture{fake: fake, registry: registry, history: store, manager: manager}
}

func TestNewManagerValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(0, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := NewManager(time.Second, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestManagerSubscribeAndReady(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, 15*time.Millisecond, "a")
	handle := backendtest.Device("a", "").Handle
	fx.fake.QueueSamples(handle,
		backendtest.FullSample(60, 10, 100, 200, 1500, 6000, 30),
		backendtest.FullSample(61, 25, 100, 200, 1500, 6000, 30),
	)

	if fx.manager.Ready() {
		t.Fatalf("manager must not be ready before the first sample")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = fx.manager.Run(ctx)
	}()

	waitFor(t, 500*time.Millisecond, fx.manager.Ready)

	ch, unsubscribe, err := fx.manager.Subscribe("gpu0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	first := awaitSample(t, ch)
	if first.DeviceID != "gpu0" {
		t.Fatalf("unexpected device id %q", first.DeviceID)
	}

	waitFor(t, 500*time.Millisecond, func() bool {
		latest, ok := fx.manager.Latest("gpu0")
		return ok && latest.GPUUtilPct == 25
	})

	if _, _, err := fx.manager.Subscribe("unknown"); err == nil {
		t.Fatalf("Subscribe should fail for unknown device id")
	}
}

func TestManagerTickFeedsBoundedHistory(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, time.Hour, "a", "b")
	handleA := backendtest.Device("a", "").Handle
	handleB := backendtest.Device("b", "").Handle
	for i := 0; i < 5; i++ {
		fx.fake.QueueSamples(handleA, backendtest.FullSample(float64(50+i), 0, 0, 200, 0, 0, 0))
	}
	fx.fake.QueueSamples(handleB, backendtest.FullSample(90, 0, 0, 200, 0, 0, 0))

	for i := 0; i < 5; i++ {
		fx.manager.Tick(context.Background())
	}

	temps := fx.history.Series("gpu0", MetricTemperature.Extractor())
	want := []float64{52, 53, 54}
	if len(temps) != len(want) {
		t.Fatalf("expected %d history entries, got %v", len(want), temps)
	}
	for i := range want {
		if temps[i] != want[i] {
			t.Fatalf("history mismatch: got %v want %v", temps, want)
		}
	}
	for _, v := range fx.history.Series("gpu1", MetricTemperature.Extractor()) {
		if v != 90 {
			t.Fatalf("device histories mixed: %v", v)
		}
	}
}

func TestManagerDropsOldestOnBackpressure(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, time.Hour, "a")
	handle := backendtest.Device("a", "").Handle
	fx.fake.QueueSamples(handle,
		backendtest.FullSample(50, 0, 0, 200, 0, 0, 0),
		backendtest.FullSample(51, 0, 0, 200, 0, 0, 0),
		backendtest.FullSample(52, 0, 0, 200, 0, 0, 0),
	)

	ch, unsubscribe, err := fx.manager.Subscribe("gpu0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	fx.manager.Tick(context.Background())
	fx.manager.Tick(context.Background())
	fx.manager.Tick(context.Background())

	got := awaitSample(t, ch)
	if got.TemperatureC != 52 {
		t.Fatalf("expected newest sample after backpressure, got %.1f", got.TemperatureC)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected a single buffered sample, got another: %+v", extra)
	default:
	}
}

func TestManagerForgetRemovedDevice(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, time.Hour, "a")
	handle := backendtest.Device("a", "").Handle
	fx.fake.QueueSamples(handle, backendtest.FullSample(50, 0, 0, 200, 0, 0, 0))
	fx.manager.Tick(context.Background())

	ch, _, err := fx.manager.Subscribe("gpu0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	<-ch

	fx.fake.SetDevices()
	result, err := fx.registry.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	fx.manager.Forget(result.Removed...)

	if _, ok := fx.manager.Latest("gpu0"); ok {
		t.Fatalf("latest sample must be dropped")
	}
	if fx.history.Len("gpu0") != 0 {
		t.Fatalf("history must be dropped")
	}
	if _, open := <-ch; open {
		t.Fatalf("subscriber channel must be closed")
	}
	if !fx.manager.Ready() {
		t.Fatalf("an empty device set is ready")
	}

	// A late read for the removed device is discarded.
	fx.manager.storeSample(Sample{DeviceID: "gpu0"}, 0)
	if _, ok := fx.manager.Latest("gpu0"); ok {
		t.Fatalf("sample for a removed device must not be stored")
	}
}

func TestManagerDiscardsReadOverlappingForget(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, time.Hour, "a")
	handle := backendtest.Device("a", "").Handle
	fx.fake.QueueSamples(handle,
		backendtest.FullSample(50, 0, 0, 200, 0, 0, 0),
		backendtest.FullSample(60, 0, 0, 200, 0, 0, 0),
		backendtest.FullSample(70, 0, 0, 200, 0, 0, 0),
	)
	fx.manager.Tick(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var blocked atomic.Bool
	fx.fake.ReadHook = func(context.Context, string) {
		if blocked.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
	}

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		fx.manager.Tick(context.Background())
	}()
	<-started

	// The device disappears and comes back under the same id while the read is in flight.
	fx.fake.SetDevices()
	removed, err := fx.registry.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	fx.manager.Forget(removed.Removed...)
	fx.fake.SetDevices(backendtest.Device("a", "GPU a"))
	returned, err := fx.registry.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if len(returned.Added) != 1 || returned.Added[0] != "gpu0" {
		t.Fatalf("expected gpu0 to return, got %+v", returned.Added)
	}

	close(release)
	<-tickDone

	if fx.history.Len("gpu0") != 0 {
		t.Fatalf("stale read leaked into history: %v", fx.history.Series("gpu0", MetricTemperature.Extractor()))
	}
	if _, ok := fx.manager.Latest("gpu0"); ok {
		t.Fatalf("stale read must not become the latest sample")
	}

	fx.manager.Tick(context.Background())
	temps := fx.history.Series("gpu0", MetricTemperature.Extractor())
	if len(temps) != 1 || temps[0] != 70 {
		t.Fatalf("returning device must start a fresh history, got %v", temps)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func awaitSample(t *testing.T, ch <-chan Sample) Sample {
	t.Helper()
	select {
	case sample, ok := <-ch:
		if !ok {
			t.Fatalf("subscriber channel closed unexpectedly")
		}
		return sample
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for sample")
	}
	return Sample{}
}
