// Package memory provides an in-process task queue for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// DefaultMaxAttempts bounds redelivery of released tasks.
const DefaultMaxAttempts = 5

// ErrClosed is returned once the queue has shut down.
var ErrClosed = crawler.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
// Released (nacked) deliveries are redelivered until MaxAttempts.
type Queue struct {
	ch          chan crawler.QueueItem
	done        chan struct{}
	closeOnce   sync.Once
	maxAttempts int
	now         func() time.Time
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:          make(chan crawler.QueueItem, capacity),
		done:        make(chan struct{}),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	return q.push(ctx, crawler.QueueItem{Task: task, Attempt: 1, Submitted: q.now().UnixNano()})
}

func (q *Queue) push(ctx context.Context, item crawler.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.QueueItem{}, ErrClosed
	case item := <-q.ch:
		item.Done = q.completion(item)
		return item, nil
	}
}

// Len reports the number of waiting tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Waiting and future calls return ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) completion(item crawler.QueueItem) func(bool) {
	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			if success || item.Attempt >= q.maxAttempts {
				return
			}
			retry := item
			retry.Attempt++
			retry.Done = nil
			go func() { _ = q.push(context.Background(), retry) }()
		})
	}
}
