package util

import "sync"

// RingBuffer retains the most recent values appended to it, up to a fixed
// capacity. Older values fall off as new ones arrive. Safe for concurrent
// use.
type RingBuffer[T any] struct {
	mu    sync.Mutex
	slots []T
	total uint64 // appends ever made; slot index is total mod capacity
}

// NewRingBuffer creates a ring buffer retaining at most capacity elements.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{slots: make([]T, capacity)}
}

// Append adds an element, displacing the oldest retained one when full.
func (r *RingBuffer[T]) Append(v T) {
	r.mu.Lock()
	r.slots[r.total%uint64(len(r.slots))] = v
	r.total++
	r.mu.Unlock()
}

// Items returns a copy of the retained elements, oldest first.
func (r *RingBuffer[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := uint64(len(r.slots))
	n := r.total
	if n > size {
		n = size
	}
	out := make([]T, 0, n)
	for i := r.total - n; i < r.total; i++ {
		out = append(out, r.slots[i%size])
	}
	return out
}

// Len returns the number of retained elements.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total > uint64(len(r.slots)) {
		return len(r.slots)
	}
	return int(r.total)
}
