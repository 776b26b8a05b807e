package queue

import (
	"context"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

// deadClient returns a client pointing at a port with no server; any
// command fails fast with a connection error.
func deadClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
}

func TestRedisStreamQueue_Keys(t *testing.T) {
	q := NewRedisStreamQueue(deadClient(), "results")
	if got := q.streamKey("42"); got != "sbs:results:42" {
		t.Errorf("streamKey = %q, want sbs:results:42", got)
	}
	if got := q.streamKey(DefaultPartition); got != "sbs:results:_default" {
		t.Errorf("streamKey default = %q", got)
	}
	if got := q.registryKey(); got != "sbs:results:partitions" {
		t.Errorf("registryKey = %q", got)
	}
}

func TestRedisStreamQueue_AckEmptyIDIsANoOp(t *testing.T) {
	// An empty ID means the backend issued no delivery handle; Ack must
	// return without touching the broker at all.
	q := NewRedisStreamQueue(deadClient(), "results")
	if err := q.Ack(context.Background(), "42", ""); err != nil {
		t.Errorf("Ack with empty id = %v, want nil", err)
	}
}

func TestRedisStreamQueue_AckErrorWrapped(t *testing.T) {
	q := NewRedisStreamQueue(deadClient(), "results")
	err := q.Ack(context.Background(), "42", "1-0")
	if err == nil {
		t.Fatal("expected error acking against a dead broker")
	}
	if !strings.Contains(err.Error(), "queue: ack 42 1-0") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "queue: ack 42 1-0")
	}
}

func TestRedisListQueue_Keys(t *testing.T) {
	q := NewRedisListQueue(deadClient(), "commands")
	if got := q.listKey("42"); got != "sbq:commands:42" {
		t.Errorf("listKey = %q, want sbq:commands:42", got)
	}
	if got := q.registryKey(); got != "sbq:commands:partitions" {
		t.Errorf("registryKey = %q", got)
	}
}
