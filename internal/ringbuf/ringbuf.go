// Package ringbuf provides a fixed-capacity ring that keeps the most
// recent values pushed into it, overwriting the oldest once full. Used for
// bounded in-memory histories (recent alerts) where only the tail matters.
package ringbuf

import "sync"

// Ring is a concurrency-safe bounded history ring. Capacity is rounded up
// to the next power of two for fast bitwise modulo.
type Ring[T any] struct {
	mu   sync.RWMutex
	buf  []T
	mask uint64
	head uint64
}

// New creates a ring. Minimum capacity is 2.
func New[T any](capacity int) *Ring[T] {
	c := nextPow2(capacity)
	if c < 2 {
		c = 2
	}
	return &Ring[T]{
		buf:  make([]T, c),
		mask: uint64(c - 1),
	}
}

// Push appends v, overwriting the oldest value once the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.buf[r.head&r.mask] = v
	r.head++
	r.mu.Unlock()
}

// Snapshot returns the retained values, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.head
	if n > uint64(len(r.buf)) {
		n = uint64(len(r.buf))
	}
	out := make([]T, 0, n)
	for i := r.head - n; i < r.head; i++ {
		out = append(out, r.buf[i&r.mask])
	}
	return out
}

// Len returns the number of retained values.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.head > uint64(len(r.buf)) {
		return len(r.buf)
	}
	return int(r.head)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
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
