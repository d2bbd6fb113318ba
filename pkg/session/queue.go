package session

import (
	"time"

	"github.com/harun/hostsession/internal/observability"
)

// queued is implemented by requests that wait in a requestQueue.
type queued interface {
	comparable
	enqueuedAt() time.Time
}

// requestQueue is a FIFO of pending requests. It is not safe for concurrent
// use; the session mutex guards it.
type requestQueue[T queued] struct {
	name  string
	items []T
	wake  chan struct{}
}

func newRequestQueue[T queued](name string) *requestQueue[T] {
	return &requestQueue[T]{name: name, wake: make(chan struct{}, 1)}
}

func (q *requestQueue[T]) push(item T) {
	q.items = append(q.items, item)
	observability.RecordEnqueue(q.name, len(q.items))
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes the head if accept allows it.
func (q *requestQueue[T]) pop(accept func(T) bool) (T, bool) {
	var zero T
	if len(q.items) == 0 || (accept != nil && !accept(q.items[0])) {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	observability.RecordDequeue(q.name, "granted", time.Since(item.enqueuedAt()), len(q.items))
	return item, true
}

// remove drops item if it is still queued.
func (q *requestQueue[T]) remove(item T) bool {
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			observability.RecordDequeue(q.name, "cancelled", time.Since(item.enqueuedAt()), len(q.items))
			return true
		}
	}
	return false
}

// drain empties the queue and returns what was in it.
func (q *requestQueue[T]) drain() []T {
	items := q.items
	q.items = nil
	for _, it := range items {
		observability.RecordDequeue(q.name, "cancelled", time.Since(it.enqueuedAt()), 0)
	}
	observability.SetQueueSize(q.name, 0)
	return items
}

func (q *requestQueue[T]) size() int {
	return len(q.items)
}
