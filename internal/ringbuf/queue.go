package ringbuf

import "sync/atomic"

// Queue is a bounded channel-backed FIFO. When full, Push discards the
// oldest queued item to make room and reports it to the drop callback.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Int64
	onDrop  func(T)
}

// NewQueue creates a Queue with the given capacity. onDrop may be nil.
func NewQueue[T any](capacity int, onDrop func(T)) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity), onDrop: onDrop}
}

// Push enqueues v without blocking.
func (q *Queue[T]) Push(v T) {
	for {
		select {
		case q.ch <- v:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop(old)
			}
		default:
		}
	}
}

// C exposes the receive side for consumer loops.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Drain removes and returns everything currently queued.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-q.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Dropped returns how many items were discarded on overflow.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }
