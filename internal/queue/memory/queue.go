// Package memory provides the bounded backlog that feeds the scheduler.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. A full
// queue blocks Enqueue, which is how producers feel backpressure.
type Queue struct {
	ch      chan *crawler.Request
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan *crawler.Request, capacity),
	}
}

// Enqueue pushes a request into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req *crawler.Request) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// TryDequeue pops the next request without blocking.
func (q *Queue) TryDequeue() (*crawler.Request, bool) {
	select {
	case req, ok := <-q.ch:
		if !ok {
			return nil, false
		}
		return req, true
	default:
		return nil, false
	}
}

// Len reports the number of buffered requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting requests. Buffered requests can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
