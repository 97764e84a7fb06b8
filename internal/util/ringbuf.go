package util

import "sync"

// RingBuffer keeps the newest capacity items pushed into it. It is safe
// for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int
	full bool
}

// NewRingBuffer returns a buffer holding at most capacity items (at least one).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, max(capacity, 1))}
}

// Push stores item, dropping the oldest one when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = item
	r.next++
	if r.next == len(r.buf) {
		r.next, r.full = 0, true
	}
}

// Snapshot returns every stored item, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Latest(-1)
}

// Latest returns the newest n items, oldest first. n < 0 means all.
func (r *RingBuffer[T]) Latest(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size := r.len()
	if n < 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	for i := r.next - n; i < r.next; i++ {
		out = append(out, r.buf[(i+len(r.buf))%len(r.buf)])
	}
	return out
}

// Len reports how many items are stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len()
}

func (r *RingBuffer[T]) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}
