package execution

import (
	"sync"
	"sync/atomic"
)

// WorkQueue is what the processor consumes from.
type WorkQueue interface {
	Enqueue(req ExecutionRequest) bool
	Dequeue() (ExecutionRequest, bool)
	Len() int
	RecordError()
	// Complete marks a dequeued request as finished. The in-memory queue
	// ignores it; the persistent queue writes a completion record.
	Complete(requestID string)
	Metrics() QueueMetrics
	Close()
}

// QueueMetrics is a snapshot of queue counters.
type QueueMetrics struct {
	Enqueued uint64 `json:"enqueued"`
	Dequeued uint64 `json:"dequeued"`
	Rejected uint64 `json:"rejected"`
	Errors   uint64 `json:"errors"`
	Depth    int    `json:"depth"`
}

// Queue is a bounded FIFO of execution requests. No priority, no dedup.
type Queue struct {
	ch     chan ExecutionRequest
	mu     sync.RWMutex
	closed bool

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	rejected atomic.Uint64
	errors   atomic.Uint64
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1000
	}
	return &Queue{ch: make(chan ExecutionRequest, size)}
}

// Enqueue appends req. It returns false when the queue is full or closed.
func (q *Queue) Enqueue(req ExecutionRequest) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.rejected.Add(1)
		return false
	}
	select {
	case q.ch <- req:
		q.enqueued.Add(1)
		return true
	default:
		q.rejected.Add(1)
		return false
	}
}

// Dequeue pops the oldest request without blocking.
func (q *Queue) Dequeue() (ExecutionRequest, bool) {
	select {
	case req, ok := <-q.ch:
		if !ok {
			return ExecutionRequest{}, false
		}
		q.dequeued.Add(1)
		return req, true
	default:
		return ExecutionRequest{}, false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

// RecordError counts a request that failed outside the per-broker boundary.
func (q *Queue) RecordError() { q.errors.Add(1) }

func (q *Queue) Complete(string) {}

func (q *Queue) Metrics() QueueMetrics {
	return QueueMetrics{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Rejected: q.rejected.Load(),
		Errors:   q.errors.Load(),
		Depth:    q.Len(),
	}
}

// Close stops accepting requests. Buffered requests can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
