// Package history keeps bounded per-device telemetry history.
package history

// Ring is a fixed-capacity circular buffer. Once full, every push overwrites
// the oldest entry. Ring is not safe for concurrent use.
type Ring[T any] struct {
	items  []T
	offset int
	full   bool
}

// NewRing allocates a ring holding up to capacity items. Capacity is clamped
// to at least one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push writes at the current offset and advances it.
func (r *Ring[T]) Push(item T) {
	r.items[r.offset] = item
	r.offset = (r.offset + 1) % len(r.items)
	if r.offset == 0 {
		r.full = true
	}
}

// Len reports the number of stored items.
func (r *Ring[T]) Len() int {
	if r.full {
		return len(r.items)
	}
	return r.offset
}

// Cap reports the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Snapshot returns the stored items oldest first. The oldest entry sits at
// the offset once the ring has wrapped, at index 0 before that.
func (r *Ring[T]) Snapshot() []T {
	if !r.full {
		return append([]T(nil), r.items[:r.offset]...)
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.offset:]...)
	out = append(out, r.items[:r.offset]...)
	return out
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.Len() == 0 {
		return zero, false
	}
	idx := r.offset - 1
	if idx < 0 {
		idx = len(r.items) - 1
	}
	return r.items[idx], true
}
