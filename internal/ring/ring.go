// Package ring provides a fixed-capacity, thread-safe history buffer.
package ring

import (
	"sync"
)

// Buffer keeps the last capacity values added. Oldest values are overwritten.
type Buffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element
}

// New panics if capacity is not positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

func (b *Buffer[T]) Add(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = v
	b.head = (b.head + 1) % b.capacity

	if b.size < b.capacity {
		b.size++
	} else {
		b.tail = (b.tail + 1) % b.capacity
	}
}

// Recent returns up to n values, newest first.
func (b *Buffer[T]) Recent(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.size {
		n = b.size
	}
	out := make([]T, n)
	pos := (b.head - 1 + b.capacity) % b.capacity
	for i := 0; i < n; i++ {
		out[i] = b.data[pos]
		pos = (pos - 1 + b.capacity) % b.capacity
	}
	return out
}

// All returns every stored value, oldest first.
func (b *Buffer[T]) All() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	out := make([]T, b.size)
	cur := b.tail
	for i := 0; i < b.size; i++ {
		out[i] = b.data[cur]
		cur = (cur + 1) % b.capacity
	}
	return out
}

func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.size, b.head, b.tail = 0, 0, 0
}
