// Package memory provides the in-process dispatch queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Item is one unit of dispatchable work. Attempt counts deferrals, not
// execution retries; those happen inside a single dispatch.
type Item struct {
	JobID   string
	Attempt int
}

// Queue is a bounded in-memory queue with context-aware operations and
// timer-driven delayed re-enqueue, so deferred jobs never hold a worker.
type Queue struct {
	ch chan Item

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:     make(chan Item, capacity),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue pushes an item or returns when the context ends.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes an item without blocking. It reports false when the
// queue is full; callers rely on the pending sweep to pick the job up.
func (q *Queue) TryEnqueue(item Item) bool {
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// EnqueueAfter schedules a delayed re-enqueue. The item's attempt count
// is advanced so callers can bound their deferral backoff. Pending
// timers are dropped on Close.
func (q *Queue) EnqueueAfter(item Item, delay time.Duration) {
	item.Attempt++
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		delete(q.timers, timer)
		// Full queue is fine: the job stays pending and the periodic
		// sweep re-enqueues it.
		select {
		case q.ch <- item:
		default:
		}
	})
	q.timers[timer] = struct{}{}
	q.mu.Unlock()
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	select {
	case <-ctx.Done():
		return Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return Item{}, errors.New("queue closed")
		}
		return item, nil
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Capacity returns the maximum number of queued items.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// Close stops accepting work, cancels pending delayed re-enqueues, and
// closes the underlying channel.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	close(q.ch)
}
