package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// consumerGroup is the single consumer group used per stream. The
// partition contract serializes within a stream, so one group with one
// logical consumer suffices.
const consumerGroup = "switchboard"

// RedisStreamQueue is the durable broker backend. Each partition maps to
// its own Redis stream read through a consumer group; entries survive
// until acknowledged, giving at-least-once delivery.
type RedisStreamQueue struct {
	rdb      *redis.Client
	name     string
	consumer string

	mu     sync.Mutex
	groups map[string]bool // partitions whose group is known to exist
}

// NewRedisStreamQueue creates a RedisStreamQueue.
func NewRedisStreamQueue(rdb *redis.Client, name string) *RedisStreamQueue {
	return &RedisStreamQueue{
		rdb:      rdb,
		name:     name,
		consumer: "switchboard-1",
		groups:   make(map[string]bool),
	}
}

func (q *RedisStreamQueue) streamKey(part string) string {
	return fmt.Sprintf("sbs:%s:%s", q.name, part)
}

func (q *RedisStreamQueue) registryKey() string {
	return fmt.Sprintf("sbs:%s:partitions", q.name)
}

// ensureGroup creates the consumer group for a partition if needed.
func (q *RedisStreamQueue) ensureGroup(ctx context.Context, part string) error {
	q.mu.Lock()
	known := q.groups[part]
	q.mu.Unlock()
	if known {
		return nil
	}

	err := q.rdb.XGroupCreateMkStream(ctx, q.streamKey(part), consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group for %s: %w", part, err)
	}
	q.mu.Lock()
	q.groups[part] = true
	q.mu.Unlock()
	return nil
}

// Enqueue implements KeyedQueue.
func (q *RedisStreamQueue) Enqueue(ctx context.Context, msg Message) error {
	part := partition(msg.Key)
	pipe := q.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(part),
		Values: map[string]interface{}{
			"payload": string(msg.Payload),
			"retry":   msg.RetryCount,
		},
	})
	pipe.SAdd(ctx, q.registryKey(), part)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", part, err)
	}
	return nil
}

// Dequeue implements KeyedQueue. The returned message carries the stream
// entry ID; the caller must Ack it after processing or the entry stays
// pending and is redelivered on restart.
func (q *RedisStreamQueue) Dequeue(ctx context.Context, key string) (*Message, bool, error) {
	part := partition(key)
	if err := q.ensureGroup(ctx, part); err != nil {
		return nil, false, err
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.consumer,
		Streams:  []string{q.streamKey(part), ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err == redis.Nil || (err == nil && len(streams) == 0) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue: dequeue %s: %w", part, err)
	}
	if len(streams[0].Messages) == 0 {
		return nil, false, nil
	}

	entry := streams[0].Messages[0]
	msg := &Message{Key: key, ID: entry.ID}
	if v, ok := entry.Values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := entry.Values["retry"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			msg.RetryCount = n
		}
	}
	return msg, true, nil
}

// Ack implements KeyedQueue. The entry is removed from the pending list
// and deleted from the stream; without the delete the stream would grow
// forever and Size would keep counting processed entries.
func (q *RedisStreamQueue) Ack(ctx context.Context, key, id string) error {
	if id == "" {
		return nil
	}
	part := partition(key)
	stream := q.streamKey(part)
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, stream, consumerGroup, id)
	pipe.XDel(ctx, stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s %s: %w", part, id, err)
	}
	return nil
}

// Size implements KeyedQueue. Counts entries still in the stream:
// undelivered plus delivered-but-unacknowledged; acknowledged entries
// are deleted on Ack.
func (q *RedisStreamQueue) Size(ctx context.Context, key string) (int, error) {
	part := partition(key)
	n, err := q.rdb.XLen(ctx, q.streamKey(part)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: size %s: %w", part, err)
	}
	return int(n), nil
}

// IsEmpty implements KeyedQueue.
func (q *RedisStreamQueue) IsEmpty(ctx context.Context, key string) (bool, error) {
	n, err := q.Size(ctx, key)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Partitions implements KeyedQueue.
func (q *RedisStreamQueue) Partitions(ctx context.Context) ([]string, error) {
	parts, err := q.rdb.SMembers(ctx, q.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: partitions: %w", err)
	}
	return parts, nil
}
