// Package queue provides a capacity-bounded in-process FIFO with explicit
// overflow accounting. It is the backpressure boundary between message
// ingestion and the classification pipeline: producers never block and never
// observe failure, but sustained overload sheds the oldest pending work.
package queue

import (
	"sync"
	"time"
)

// Item wraps a payload with the time it entered the queue.
type Item[T any] struct {
	Payload    T
	EnqueuedAt time.Time
}

// Metrics is a point-in-time snapshot of queue counters.
type Metrics struct {
	Enqueued           int64
	Dequeued           int64
	Errors             int64
	CurrentSize        int
	MaxSize            int
	Overflows          int64
	UtilizationPercent float64
}

// BoundedQueue is a FIFO with a hard capacity. When full, Enqueue evicts the
// head (the item that would have been dequeued next) to admit the newest
// arrival, so under sustained overload the queue holds the freshest data at
// the cost of silently dropping already-admitted work. Every eviction is
// counted in Overflows.
//
// All methods are safe for concurrent use and never block.
type BoundedQueue[T any] struct {
	mu    sync.Mutex
	items []Item[T]
	max   int

	enqueued  int64
	dequeued  int64
	errors    int64
	overflows int64
}

func NewBounded[T any](maxSize int) *BoundedQueue[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &BoundedQueue[T]{
		items: make([]Item[T], 0, maxSize),
		max:   maxSize,
	}
}

// Enqueue adds v and reports whether an existing item was evicted to make
// room. From the caller's perspective the enqueue itself always succeeds.
func (q *BoundedQueue[T]) Enqueue(v T) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.overflows++
		evicted = true
	}
	q.items = append(q.items, Item[T]{Payload: v, EnqueuedAt: time.Now()})
	q.enqueued++
	return evicted
}

// Dequeue removes and returns the oldest item.
func (q *BoundedQueue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	head := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	q.dequeued++
	return head.Payload, true
}

// DequeueBatch removes and returns up to n of the oldest items, in FIFO
// order. Returns nil when the queue is empty.
func (q *BoundedQueue[T]) DequeueBatch(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = q.items[i].Payload
	}
	copy(q.items, q.items[n:])
	q.items = q.items[:len(q.items)-n]
	q.dequeued += int64(n)
	return out
}

// Peek returns the oldest item without removing it.
func (q *BoundedQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0].Payload, true
}

// Clear empties the queue and returns how many items were removed.
func (q *BoundedQueue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = q.items[:0]
	return n
}

func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *BoundedQueue[T]) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Metrics{
		Enqueued:           q.enqueued,
		Dequeued:           q.dequeued,
		Errors:             q.errors,
		CurrentSize:        len(q.items),
		MaxSize:            q.max,
		Overflows:          q.overflows,
		UtilizationPercent: float64(len(q.items)) / float64(q.max) * 100,
	}
}
