package app

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrQueueClosed = errors.New("task queue is closed")
)

// TaskQueue is an in-process FIFO with any number of producers and a single
// consumer. A capacity of zero means unbounded.
type TaskQueue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	ready    chan struct{}
}

// NewTaskQueue creates a queue holding at most capacity items, or any
// number of items when capacity is zero.
func NewTaskQueue[T any](capacity int) *TaskQueue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &TaskQueue[T]{capacity: capacity, ready: make(chan struct{}, 1)}
}

// Enqueue appends item without blocking. It fails with ErrQueueFull when a
// bounded queue is at capacity and ErrQueueClosed after Close.
func (q *TaskQueue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, item)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until an item is available, ctx is done, or the queue is
// closed and drained.
func (q *TaskQueue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len reports the number of queued items.
func (q *TaskQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue from accepting items. Items already queued can
// still be dequeued.
func (q *TaskQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}
