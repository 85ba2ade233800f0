// This file contains the FIFO queue shared by the manager's publish path and every
// subscription's delivery path. The queue supports many writers and one reader,
// optional bounding with a configurable overflow mode, and context-aware waits.
package pondhub

import (
	"context"
	"errors"
	"sync"
)

var (
	errQueueClosed = errors.New("pondhub: queue closed")
	errQueueDone   = errors.New("pondhub: queue owner done")
	errQueueFull   = errors.New("pondhub: queue full")
)

const compactThreshold = 1024

type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	capacity int
	mode     FullMode
	closed   bool
	waiters  int
	wake     chan struct{}
	onDrop   func(T)
}

// newQueue creates a queue. A capacity of zero or less makes it unbounded, in which
// case mode is never consulted.
func newQueue[T any](capacity int, mode FullMode, onDrop func(T)) *queue[T] {
	return &queue[T]{
		capacity: capacity,
		mode:     mode,
		wake:     make(chan struct{}),
		onDrop:   onDrop,
	}
}

func (q *queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *queue[T]) broadcastLocked() {
	if q.waiters == 0 {
		return
	}
	close(q.wake)

	q.wake = make(chan struct{})
}

func (q *queue[T]) dropped(item T) {
	if q.onDrop != nil {
		q.onDrop(item)
	}
}

// push appends item, applying the overflow mode when the queue is bounded and full.
// With FullModeWait it blocks until space frees up, the queue closes or ctx ends.
func (q *queue[T]) push(ctx context.Context, item T) error {
	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()

			return errQueueClosed
		}
		if q.capacity <= 0 || q.lenLocked() < q.capacity {
			q.items = append(q.items, item)
			q.broadcastLocked()
			q.mu.Unlock()

			return nil
		}

		switch q.mode {
		case FullModeDropOldest:
			oldest := q.items[q.head]

			var zero T
			q.items[q.head] = zero
			q.head++
			q.items = append(q.items, item)
			q.broadcastLocked()
			q.mu.Unlock()

			q.dropped(oldest)

			return nil
		case FullModeDropNewest:
			last := len(q.items) - 1
			newest := q.items[last]
			q.items[last] = item
			q.mu.Unlock()

			q.dropped(newest)

			return nil
		case FullModeDropWrite:
			q.mu.Unlock()

			q.dropped(item)

			return nil
		case FullModeReject:
			q.mu.Unlock()

			return errQueueFull
		}

		wake := q.wake
		q.waiters++
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.leave()

			return ctx.Err()
		case <-wake:
			q.leave()
		}
	}
}

// pop removes the oldest item. It blocks until an item arrives, the queue is closed
// and empty, ctx ends, or done is closed.
func (q *queue[T]) pop(ctx context.Context, done <-chan struct{}) (T, error) {
	var zero T

	for {
		q.mu.Lock()

		if q.lenLocked() > 0 {
			item := q.items[q.head]
			q.items[q.head] = zero
			q.head++
			q.compactLocked()
			q.broadcastLocked()
			q.mu.Unlock()

			return item, nil
		}
		if q.closed {
			q.mu.Unlock()

			return zero, errQueueClosed
		}
		wake := q.wake
		q.waiters++
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.leave()

			return zero, ctx.Err()
		case <-done:
			q.leave()

			return zero, errQueueDone
		case <-wake:
			q.leave()
		}
	}
}

func (q *queue[T]) leave() {
	q.mu.Lock()

	q.waiters--
	q.mu.Unlock()
}

func (q *queue[T]) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0

		return
	}
	if q.head < compactThreshold || q.head*2 < len(q.items) {
		return
	}
	n := copy(q.items, q.items[q.head:])

	var zero T
	for i := n; i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = q.items[:n]
	q.head = 0
}

// close stops further pushes. Items already queued can still be popped.
// It reports whether this call closed the queue.
func (q *queue[T]) close() bool {
	q.mu.Lock()

	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.closed = true
	q.broadcastLocked()

	return true
}

func (q *queue[T]) length() int {
	q.mu.Lock()

	defer q.mu.Unlock()

	return q.lenLocked()
}
