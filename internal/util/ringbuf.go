package util

import "sync"

// RingBuffer keeps the most recent items up to a fixed capacity; once full,
// each Push evicts the oldest entry. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	n     int
}

// NewRingBuffer creates a ring buffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push stores item, overwriting the oldest entry when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	if r.n == len(r.items) {
		r.items[r.start] = item
		r.start = (r.start + 1) % len(r.items)
	} else {
		r.items[(r.start+r.n)%len(r.items)] = item
		r.n++
	}
	r.mu.Unlock()
}

// Snapshot copies out the buffered items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}
