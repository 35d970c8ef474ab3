// Package memory provides the in-process run request queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// DefaultCapacity is used when the configured capacity is not positive.
const DefaultCapacity = 64

var (
	// ErrClosed is returned once the queue has been closed and drained.
	ErrClosed = listing.ErrQueueClosed
	// ErrFull is returned by TryEnqueue when no slot is free.
	ErrFull = errors.New("queue full")
)

// Queue is a bounded channel of run requests with context-aware operations.
type Queue struct {
	ch        chan listing.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:   make(chan listing.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue blocks until the item is accepted, the queue closes or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item listing.QueueItem) error {
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

// TryEnqueue accepts item only if a slot is free right now.
func (q *Queue) TryEnqueue(item listing.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next item. Items buffered before Close are still handed out; after that it returns
// ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (listing.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return listing.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return listing.QueueItem{}, ErrClosed
		}
	}
}

// Len reports how many items are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close stops accepting new items. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
