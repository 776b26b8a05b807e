package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisListQueue is the at-most-once broker backend. Each partition maps
// to its own Redis list; a pop removes the item before processing, so a
// crash mid-processing loses the item. A set tracks partition names for
// discovery.
type RedisListQueue struct {
	rdb  *redis.Client
	name string
}

// NewRedisListQueue creates a RedisListQueue. name namespaces the Redis
// keys so independent queues can share one broker.
func NewRedisListQueue(rdb *redis.Client, name string) *RedisListQueue {
	return &RedisListQueue{rdb: rdb, name: name}
}

func (q *RedisListQueue) listKey(part string) string {
	return fmt.Sprintf("sbq:%s:%s", q.name, part)
}

func (q *RedisListQueue) registryKey() string {
	return fmt.Sprintf("sbq:%s:partitions", q.name)
}

// Enqueue implements KeyedQueue.
func (q *RedisListQueue) Enqueue(ctx context.Context, msg Message) error {
	part := partition(msg.Key)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, q.listKey(part), data)
	pipe.SAdd(ctx, q.registryKey(), part)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", part, err)
	}
	return nil
}

// Dequeue implements KeyedQueue.
func (q *RedisListQueue) Dequeue(ctx context.Context, key string) (*Message, bool, error) {
	part := partition(key)
	data, err := q.rdb.LPop(ctx, q.listKey(part)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue: dequeue %s: %w", part, err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("queue: unmarshal %s: %w", part, err)
	}
	return &msg, true, nil
}

// Ack implements KeyedQueue. List pops are destructive, so there is
// nothing to acknowledge.
func (q *RedisListQueue) Ack(ctx context.Context, key, id string) error { return nil }

// Size implements KeyedQueue.
func (q *RedisListQueue) Size(ctx context.Context, key string) (int, error) {
	n, err := q.rdb.LLen(ctx, q.listKey(partition(key))).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: size %s: %w", partition(key), err)
	}
	return int(n), nil
}

// IsEmpty implements KeyedQueue.
func (q *RedisListQueue) IsEmpty(ctx context.Context, key string) (bool, error) {
	n, err := q.Size(ctx, key)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Partitions implements KeyedQueue.
func (q *RedisListQueue) Partitions(ctx context.Context) ([]string, error) {
	parts, err := q.rdb.SMembers(ctx, q.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: partitions: %w", err)
	}
	return parts, nil
}
