// Package ringbuf provides bounded, drop-oldest containers used for
// in-memory telemetry storage and inter-stage queues.
package ringbuf

// Buffer is a fixed-capacity ring that evicts its oldest element when full.
// It is not safe for concurrent use; owners guard it with their own lock.
type Buffer[T any] struct {
	items   []T
	head    int // index of the oldest element
	size    int
	evicted int64
}

// New creates a Buffer holding at most capacity elements. A capacity below
// one is raised to one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the buffer is full.
// It reports whether an element was evicted.
func (b *Buffer[T]) Push(v T) bool {
	c := len(b.items)
	if b.size < c {
		b.items[(b.head+b.size)%c] = v
		b.size++
		return false
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % c
	b.evicted++
	return true
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Evicted returns how many elements have been dropped because of capacity.
func (b *Buffer[T]) Evicted() int64 { return b.evicted }

// Snapshot returns the stored elements oldest first.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, 0, b.size)
	b.Each(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Each visits elements oldest first until fn returns false.
func (b *Buffer[T]) Each(fn func(T) bool) {
	c := len(b.items)
	for i := 0; i < b.size; i++ {
		if !fn(b.items[(b.head+i)%c]) {
			return
		}
	}
}

// Filter returns the elements for which keep returns true, oldest first.
func (b *Buffer[T]) Filter(keep func(T) bool) []T {
	var out []T
	b.Each(func(v T) bool {
		if keep(v) {
			out = append(out, v)
		}
		return true
	})
	return out
}

// Retain keeps only the elements for which keep returns true and returns the
// number removed. Removal by Retain does not count as eviction.
func (b *Buffer[T]) Retain(keep func(T) bool) int {
	kept := b.Filter(keep)
	removed := b.size - len(kept)
	if removed == 0 {
		return 0
	}
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	copy(b.items, kept)
	b.head = 0
	b.size = len(kept)
	return removed
}

// Clear removes every element.
func (b *Buffer[T]) Clear() {
	b.Retain(func(T) bool { return false })
}
