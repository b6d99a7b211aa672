package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/history"
)

// Manager is the sampling driver loop. It samples every registry device on a
// fixed cadence, records history, caches the latest snapshot per device and
// fans updates out to subscribers.
type Manager struct {
	interval time.Duration
	registry *device.Registry
	sampler  *Sampler
	history  *history.Store[Sample]
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      map[string]Sample
	subscribers map[string]map[*subscriber]struct{}
	// epochs is bumped by Forget; reads started under an older epoch are discarded.
	epochs    map[string]uint64
	closeOnce sync.Once
}

// NewManager wires the loop. The registry decides which devices are sampled.
func NewManager(interval time.Duration, registry *device.Registry, sampler *Sampler, store *history.Store[Sample], logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if registry == nil || sampler == nil || store == nil {
		return nil, fmt.Errorf("registry, sampler and history are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		interval:    interval,
		registry:    registry,
		sampler:     sampler,
		history:     store,
		logger:      logger.With("component", "sampler_manager"),
		latest:      make(map[string]Sample),
		subscribers: make(map[string]map[*subscriber]struct{}),
		epochs:      make(map[string]uint64),
	}, nil
}

// Run samples until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sampler started", "interval", m.interval)

	// Initial sample to prime cache.
	m.Tick(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return m.Close()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick samples every current device once. Devices are read concurrently so
// one slow device does not delay the others.
func (m *Manager) Tick(ctx context.Context) {
	devices := m.registry.Devices()
	epochs := make([]uint64, len(devices))
	m.mu.RLock()
	for i, dev := range devices {
		epochs[i] = m.epochs[dev.ID]
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for i, dev := range devices {
		wg.Add(1)
		go func(dev device.Device, epoch uint64) {
			defer wg.Done()
			m.storeSample(m.sampler.Sample(ctx, dev), epoch)
		}(dev, epochs[i])
	}
	wg.Wait()
}

// Latest returns the most recently committed sample for the device.
func (m *Manager) Latest(deviceID string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.latest[deviceID]
	return sample, ok
}

// Subscribe registers a listener for updates on the given device.
func (m *Manager) Subscribe(deviceID string) (<-chan Sample, func(), error) {
	if _, ok := m.registry.Get(deviceID); !ok {
		return nil, nil, fmt.Errorf("unknown device %q", deviceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	if _, ok := m.subscribers[deviceID]; !ok {
		m.subscribers[deviceID] = make(map[*subscriber]struct{})
	}
	m.subscribers[deviceID][sub] = struct{}{}

	if sample, ok := m.latest[deviceID]; ok {
		sub.send(sample)
	}

	unsubscribe := func() {
		m.removeSubscriber(deviceID, sub)
	}

	return sub.channel(), unsubscribe, nil
}

// Ready reports whether every current device has published at least one sample.
func (m *Manager) Ready() bool {
	devices := m.registry.Devices()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dev := range devices {
		if _, ok := m.latest[dev.ID]; !ok {
			return false
		}
	}
	return true
}

// Interval returns the sampling cadence.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Forget drops all state held for removed devices and closes their subscribers.
func (m *Manager) Forget(deviceIDs ...string) {
	if len(deviceIDs) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampler.Forget(deviceIDs...)
	m.history.Drop(deviceIDs...)
	for _, id := range deviceIDs {
		m.epochs[id]++
		delete(m.latest, id)
		for sub := range m.subscribers[id] {
			sub.close()
		}
		delete(m.subscribers, id)
	}
}

// storeSample commits a sample read under epoch. A refresh may have removed
// the device, and possibly re-added it, while it was being read.
func (m *Manager) storeSample(sample Sample, epoch uint64) {
	if _, ok := m.registry.Get(sample.DeviceID); !ok {
		return
	}

	m.mu.Lock()
	if m.epochs[sample.DeviceID] != epoch {
		m.mu.Unlock()
		m.logger.Debug("discarding sample read before device was forgotten", "device_id", sample.DeviceID)
		return
	}
	m.history.Push(sample.DeviceID, sample)
	m.latest[sample.DeviceID] = sample

	targetSubs := make([]*subscriber, 0, len(m.subscribers[sample.DeviceID]))
	for sub := range m.subscribers[sample.DeviceID] {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(sample)
	}
}

func (m *Manager) removeSubscriber(deviceID string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[deviceID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, deviceID)
		}
	}
	sub.close()
}

// Close closes every subscriber channel. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for id, subs := range m.subscribers {
			for sub := range subs {
				sub.close()
			}
			delete(m.subscribers, id)
		}
	})
	return nil
}

type subscriber struct {
	ch     chan Sample
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Sample, 1),
	}
}

func (s *subscriber) channel() <-chan Sample {
	return s.ch
}

func (s *subscriber) send(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sample:
		return
	default:
		// Drop oldest to make room for new sample.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- sample:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
