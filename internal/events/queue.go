package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue is a subscriber that buffers events for a consumer on another
// goroutine. It never blocks the publisher: when the buffer is full the
// oldest event is dropped.
//
//	q := events.NewQueue(64)
//	pub.Subscribe(q)
//	for e := range q.C() {
//	    fmt.Println(e.Kind())
//	}
type Queue struct {
	mu      sync.Mutex // serializes writers with Close
	ch      chan Event
	closed  bool
	metrics QueueMetrics
}

// QueueMetrics counts queue traffic. Received is only advanced by Next and TryNext.
type QueueMetrics struct {
	Received    int64
	Written     int64
	Overwritten int64
	Rejected    int64
}

// NewQueue creates a queue holding at most capacity events
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		panic("events: queue capacity must be > 0")
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Handle implements Subscriber
func (q *Queue) Handle(e Event) {
	q.Push(e)
}

// Push enqueues e, dropping the oldest buffered event if the queue is full.
// It reports whether an event was dropped. Pushing to a closed queue is a no-op.
func (q *Queue) Push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		atomic.AddInt64(&q.metrics.Rejected, 1)
		return false
	}

	dropped := false
	for {
		select {
		case q.ch <- e:
			atomic.AddInt64(&q.metrics.Written, 1)
			return dropped
		default:
		}
		select {
		case <-q.ch:
			atomic.AddInt64(&q.metrics.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// C exposes the underlying channel. Reads through it are not counted in Received.
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Next blocks until an event is available, the queue is closed or ctx is done
func (q *Queue) Next(ctx context.Context) (Event, bool) {
	select {
	case e, ok := <-q.ch:
		if ok {
			atomic.AddInt64(&q.metrics.Received, 1)
		}
		return e, ok
	case <-ctx.Done():
		return nil, false
	}
}

// TryNext returns the next buffered event without blocking
func (q *Queue) TryNext() (Event, bool) {
	select {
	case e, ok := <-q.ch:
		if ok {
			atomic.AddInt64(&q.metrics.Received, 1)
		}
		return e, ok
	default:
		return nil, false
	}
}

// Len returns the number of buffered events
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity
func (q *Queue) Cap() int { return cap(q.ch) }

// Close stops accepting events. Buffered events remain readable. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Metrics returns a snapshot of the counters
func (q *Queue) Metrics() QueueMetrics {
	return QueueMetrics{
		Received:    atomic.LoadInt64(&q.metrics.Received),
		Written:     atomic.LoadInt64(&q.metrics.Written),
		Overwritten: atomic.LoadInt64(&q.metrics.Overwritten),
		Rejected:    atomic.LoadInt64(&q.metrics.Rejected),
	}
}
