// Package ringbuf provides a bounded FIFO ring that admits every push by
// evicting the oldest element when full. A lane uses it between the
// dispatcher (producer) and its consumer, so the freshest ticks are always
// kept.
package ringbuf

import (
	"sync"
	"sync/atomic"
)

// Ring is a bounded drop-oldest queue. Capacity is a power of two.
// It is safe for one producer and one consumer.
type Ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	mask uint64
	head uint64 // next write
	tail uint64 // next read

	// ready holds one token while the ring is non-empty.
	ready chan struct{}

	// Overflow counter (atomic, for metrics)
	overflow atomic.Uint64
}

// New creates a ring. capacity is rounded up to the next power of two.
// Minimum capacity is 2.
func New[T any](capacity int) *Ring[T] {
	cap := nextPow2(capacity)
	if cap < 2 {
		cap = 2
	}
	return &Ring[T]{
		buf:   make([]T, cap),
		mask:  uint64(cap - 1),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v. If the ring is full the oldest element is discarded to
// make room and Push returns true. Non-blocking.
func (r *Ring[T]) Push(v T) (evicted bool) {
	r.mu.Lock()
	if r.head-r.tail >= uint64(len(r.buf)) {
		var zero T
		r.buf[r.tail&r.mask] = zero
		r.tail++
		evicted = true
	}
	r.buf[r.head&r.mask] = v
	r.head++
	r.mu.Unlock()

	if evicted {
		r.overflow.Add(1)
	}
	select {
	case r.ready <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes the oldest element. Returns false if the ring is empty.
// Non-blocking.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.tail >= r.head {
		return zero, false
	}
	v := r.buf[r.tail&r.mask]
	r.buf[r.tail&r.mask] = zero
	r.tail++
	return v, true
}

// Ready is signalled after a push. A consumer drains with Pop until empty,
// then waits on Ready again.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.ready
}

// Len returns the current number of items in the buffer.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.head - r.tail)
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of elements evicted by pushes into a
// full ring.
func (r *Ring[T]) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
