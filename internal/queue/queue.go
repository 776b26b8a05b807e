// Package queue provides the key-partitioned work queue that moves
// commands and worker responses between the controller and the workers.
//
// Items enqueued under the same partition key preserve FIFO order and are
// never processed concurrently with each other; items under different keys
// may be processed in parallel. An empty key routes to an implicit default
// partition. Delivery is at-least-once for the durable backend, so
// consumers must tolerate duplicates.
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/switchboard/internal/config"
)

// DefaultPartition is the partition used when no key is supplied.
const DefaultPartition = "_default"

// Message is one queued item: an opaque payload tagged with the partition
// it belongs to. RetryCount is incremented by the retrying consumer each
// time the payload is re-published after a processing failure. ID is a
// backend delivery handle (stream entry ID); empty for backends without
// explicit acknowledgment.
type Message struct {
	Payload    []byte `json:"payload"`
	Key        string `json:"key,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	ID         string `json:"-"`
}

// KeyedQueue is the partitioned queue contract. Dequeue is non-blocking:
// the second return value is false when the partition is empty. Ack
// confirms a delivery on backends that track it and is a no-op elsewhere.
type KeyedQueue interface {
	Enqueue(ctx context.Context, msg Message) error
	Dequeue(ctx context.Context, key string) (*Message, bool, error)
	Ack(ctx context.Context, key, id string) error
	Size(ctx context.Context, key string) (int, error)
	IsEmpty(ctx context.Context, key string) (bool, error)
	Partitions(ctx context.Context) ([]string, error)
}

// partition normalizes an optional key to a partition name.
func partition(key string) string {
	if key == "" {
		return DefaultPartition
	}
	return key
}

// New creates a KeyedQueue for the configured backend. name distinguishes
// independent queues (e.g. "commands", "results") sharing one broker.
// rdb may be nil for the memory backend.
func New(cfg config.QueueConfig, rdb *redis.Client, name string) (KeyedQueue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue: name is required")
	}
	switch cfg.Backend {
	case config.QueueBackendMemory:
		return NewMemoryQueue(cfg.Capacity), nil
	case config.QueueBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("queue: redis client is required for backend %q", cfg.Backend)
		}
		return NewRedisListQueue(rdb, name), nil
	case config.QueueBackendStreams:
		if rdb == nil {
			return nil, fmt.Errorf("queue: redis client is required for backend %q", cfg.Backend)
		}
		return NewRedisStreamQueue(rdb, name), nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}
