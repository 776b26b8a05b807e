package queue

import (
	"context"
	"log"
	"sync"
)

// DefaultCapacity bounds each in-process partition when no capacity is
// configured.
const DefaultCapacity = 1000

// MemoryQueue is the in-process KeyedQueue backend. Each partition is a
// bounded FIFO slice; once a partition reaches capacity the oldest item is
// evicted and a warning is logged. Suitable for tests and single-process
// deployments without a broker.
type MemoryQueue struct {
	mu       sync.Mutex
	parts    map[string][]Message
	capacity int
}

// NewMemoryQueue creates a MemoryQueue with the given per-partition
// capacity (DefaultCapacity if <= 0).
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{
		parts:    make(map[string][]Message),
		capacity: capacity,
	}
}

// Enqueue implements KeyedQueue.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	part := partition(msg.Key)
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.parts[part]
	if len(items) >= q.capacity {
		log.Printf("queue: partition %s full (%d items), evicting oldest", part, len(items))
		items = items[1:]
	}
	q.parts[part] = append(items, msg)
	return nil
}

// Dequeue implements KeyedQueue.
func (q *MemoryQueue) Dequeue(ctx context.Context, key string) (*Message, bool, error) {
	part := partition(key)
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.parts[part]
	if len(items) == 0 {
		return nil, false, nil
	}
	msg := items[0]
	if len(items) == 1 {
		delete(q.parts, part)
	} else {
		q.parts[part] = items[1:]
	}
	return &msg, true, nil
}

// Ack implements KeyedQueue. The memory backend removes items on dequeue,
// so there is nothing to acknowledge.
func (q *MemoryQueue) Ack(ctx context.Context, key, id string) error { return nil }

// Size implements KeyedQueue.
func (q *MemoryQueue) Size(ctx context.Context, key string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parts[partition(key)]), nil
}

// IsEmpty implements KeyedQueue.
func (q *MemoryQueue) IsEmpty(ctx context.Context, key string) (bool, error) {
	n, _ := q.Size(ctx, key)
	return n == 0, nil
}

// Partitions implements KeyedQueue.
func (q *MemoryQueue) Partitions(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.parts))
	for k := range q.parts {
		keys = append(keys, k)
	}
	return keys, nil
}
