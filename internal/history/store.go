package history

import "sync"

// Store keeps one ring per device id. Rings are created lazily on first push
// and never shared between devices.
type Store[T any] struct {
	capacity int

	mu    sync.RWMutex
	rings map[string]*Ring[T]
}

// NewStore creates a store whose rings hold capacity entries each.
func NewStore[T any](capacity int) *Store[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Store[T]{
		capacity: capacity,
		rings:    make(map[string]*Ring[T]),
	}
}

// Capacity reports the per-device capacity.
func (s *Store[T]) Capacity() int {
	return s.capacity
}

// Push appends item to the device's history, evicting the oldest entry when full.
func (s *Store[T]) Push(deviceID string, item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[deviceID]
	if !ok {
		ring = NewRing[T](s.capacity)
		s.rings[deviceID] = ring
	}
	ring.Push(item)
}

// View returns the device's history oldest first. Unknown devices yield an
// empty slice.
func (s *Store[T]) View(deviceID string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring, ok := s.rings[deviceID]
	if !ok {
		return []T{}
	}
	return ring.Snapshot()
}

// Series projects one value out of every stored entry, oldest first.
func (s *Store[T]) Series(deviceID string, extract func(T) float64) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring, ok := s.rings[deviceID]
	if !ok {
		return []float64{}
	}
	items := ring.Snapshot()
	out := make([]float64, len(items))
	for i, item := range items {
		out[i] = extract(item)
	}
	return out
}

// Len reports how many entries the device has.
func (s *Store[T]) Len(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ring, ok := s.rings[deviceID]; ok {
		return ring.Len()
	}
	return 0
}

// Drop discards a device's history.
func (s *Store[T]) Drop(deviceIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range deviceIDs {
		delete(s.rings, id)
	}
}
