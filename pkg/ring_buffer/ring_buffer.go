package ring_buffer

import (
	"errors"
	"sync"
)

var (
	ErrStopped = errors.New("ring buffer is stopped")
	ErrFull    = errors.New("ring buffer is full")
)

// RingBuffer is a fixed capacity FIFO. Push overwrites the oldest entry when
// full and Offer refuses instead, so the same type serves both as a bounded
// history and as a bounded work queue.
type RingBuffer[T any] struct {
	data     []T
	capacity int
	head     int // read index
	size     int
	stopped  bool

	mu   sync.Mutex
	cond *sync.Cond
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("capacity must be > 0")
	}
	rb := &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds a value, overwriting the oldest if full.
func (rb *RingBuffer[T]) Push(val T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.stopped {
		return ErrStopped
	}

	rb.data[(rb.head+rb.size)%rb.capacity] = val
	if rb.size == rb.capacity {
		rb.head = (rb.head + 1) % rb.capacity
	} else {
		rb.size++
	}

	rb.cond.Signal()
	return nil
}

// Offer adds a value only if there is room.
func (rb *RingBuffer[T]) Offer(val T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.stopped {
		return ErrStopped
	}
	if rb.size == rb.capacity {
		return ErrFull
	}

	rb.data[(rb.head+rb.size)%rb.capacity] = val
	rb.size++
	rb.cond.Signal()
	return nil
}

// Pop blocks until an item is available or the buffer is stopped.
func (rb *RingBuffer[T]) Pop() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for rb.size == 0 {
		if rb.stopped {
			return zero, ErrStopped
		}
		rb.cond.Wait()
	}
	if rb.stopped {
		return zero, ErrStopped
	}

	val := rb.data[rb.head]
	rb.data[rb.head] = zero
	rb.head = (rb.head + 1) % rb.capacity
	rb.size--
	return val, nil
}

// Snapshot copies the buffered values, oldest first, without consuming them.
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]T, rb.size)
	for i := range out {
		out[i] = rb.data[(rb.head+i)%rb.capacity]
	}
	return out
}

func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Stop wakes every blocked Pop. Further calls return ErrStopped.
func (rb *RingBuffer[T]) Stop() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.stopped = true
	rb.cond.Broadcast()
}
