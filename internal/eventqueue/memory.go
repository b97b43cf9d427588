package eventqueue

import (
	"context"
	"sync"
	"time"
)

type MemoryQueue struct {
	capacity     int
	pollInterval time.Duration

	mu     sync.Mutex
	items  []Record
	closed bool
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{capacity: capacity, pollInterval: 10 * time.Millisecond}
}

// Publish is all or nothing: a batch that does not fit is rejected whole.
func (q *MemoryQueue) Publish(_ context.Context, records ...Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items)+len(records) > q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, records...)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Record, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Record{}, false
		}
		select {
		case <-ctx.Done():
			return Record{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Snapshot() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Record(nil), q.items...)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
