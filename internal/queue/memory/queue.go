// Package memory provides the bounded in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan crawler.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue. It never waits for room: a full
// queue returns ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, job crawler.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	select {
	case <-q.done:
		return crawler.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return fmt.Errorf("%w: %d jobs waiting", crawler.ErrQueueFull, cap(q.ch))
	}
}

// Dequeue pops the next job, respecting context cancellation.
// Items still buffered when the queue closes are not delivered.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
	}
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.QueueItem{}, crawler.ErrQueueClosed
	case job := <-q.ch:
		return job, nil
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close wakes all blocked callers with ErrQueueClosed. Safe to call twice.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
