package meter

import "sync"

// minQueueCapacity is the ring size a queue starts with and shrinks back to on Clear.
const minQueueCapacity = 64

// Queue is an unbounded FIFO backed by a growable ring.
// It is safe for one producer and one consumer; each queue has its own lock,
// so a producer and a consumer never contend on anything else.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // next item to leave
	size  int
}

// NewQueue creates an empty Queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{items: make([]T, minQueueCapacity)}
}

// Push appends values in order.
func (q *Queue[T]) Push(values ...T) {
	if len(values) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size+len(values) > len(q.items) {
		q.grow(q.size + len(values))
	}
	for _, v := range values {
		q.items[(q.head+q.size)%len(q.items)] = v
		q.size++
	}
}

// Pop removes and returns the oldest value. It never blocks; ok is false when
// the queue is empty.
func (q *Queue[T]) Pop() (value T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return value, false
	}

	var zero T
	value = q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return value, true
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Clear drops every queued value and releases grown storage.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]T, minQueueCapacity)
	q.head = 0
	q.size = 0
}

// grow reallocates the ring to hold at least need values, unwrapping it. Caller must hold q.mu.
func (q *Queue[T]) grow(need int) {
	capacity := max(len(q.items)*2, minQueueCapacity)
	for capacity < need {
		capacity *= 2
	}
	items := make([]T, capacity)
	for i := range q.size {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}
