// Package consumer drains a key-partitioned queue, serializing within
// each partition and retrying failed deliveries with bounded exponential
// backoff.
package consumer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/queue"
)

// Retry policy. An item failing MaxRetries times is dropped, never
// redelivered; the queue is never blocked by a poison message.
const (
	MaxRetries       = 3
	BaseDelay        = 1000 * time.Millisecond
	MaxDelay         = 30000 * time.Millisecond
	defaultPoll      = time.Second
	defaultMaxActive = 8
)

// Backoff returns the re-publish delay after a failure, given how many
// retries the item has already consumed: 1s, 2s, 4s, capped at 30s.
func Backoff(retryCount int) time.Duration {
	d := BaseDelay << retryCount
	if d > MaxDelay || d <= 0 {
		return MaxDelay
	}
	return d
}

// Handler processes one delivery. Processing must be idempotent: the
// durable queue backend delivers at least once.
type Handler func(ctx context.Context, msg queue.Message) error

// Runner drains all partitions of a queue. Each partition is processed by
// at most one goroutine at a time (same-key items stay strictly ordered);
// different partitions run concurrently up to MaxConcurrency.
type Runner struct {
	queue       queue.KeyedQueue
	handler     Handler
	poll        time.Duration
	maxActive   int
	out         io.Writer
	onDrop      func(msg queue.Message, err error)
	drains      sync.WaitGroup
	republishes sync.WaitGroup

	mu     sync.Mutex
	active map[string]bool
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Queue          queue.KeyedQueue
	Handler        Handler
	PollInterval   time.Duration                      // defaults to 1s
	MaxConcurrency int                                // defaults to 8 concurrent partitions
	Out            io.Writer                          // defaults to os.Stdout
	OnDrop         func(msg queue.Message, err error) // called when an item exhausts its retries
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("consumer: queue is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("consumer: handler is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPoll
	}
	maxActive := opts.MaxConcurrency
	if maxActive <= 0 {
		maxActive = defaultMaxActive
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Runner{
		queue:     opts.Queue,
		handler:   opts.Handler,
		poll:      poll,
		maxActive: maxActive,
		out:       out,
		onDrop:    opts.OnDrop,
		active:    make(map[string]bool),
	}, nil
}

// Run polls for partitions with work and drains each in its own
// goroutine. Blocks until ctx is cancelled, then waits for in-flight
// drains and pending retry re-publishes before returning.
func (r *Runner) Run(ctx context.Context) error {
	fmt.Fprintf(r.out, "consumer: running (poll every %s, %d partitions max)\n", r.poll, r.maxActive)
	for {
		select {
		case <-ctx.Done():
			// Drains must finish first: a live drain may still schedule
			// a re-publish.
			r.drains.Wait()
			r.republishes.Wait()
			return nil
		default:
		}

		parts, err := r.queue.Partitions(ctx)
		if err != nil {
			log.Printf("consumer: list partitions: %v", err)
		}
		for _, part := range parts {
			if !r.claim(part) {
				continue
			}
			r.drains.Add(1)
			go func(part string) {
				defer r.drains.Done()
				r.drain(ctx, part)
			}(part)
		}

		sleepWithContext(ctx, r.poll)
	}
}

// claim marks a partition active if it isn't already and the concurrency
// cap allows another.
func (r *Runner) claim(part string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[part] || len(r.active) >= r.maxActive {
		return false
	}
	r.active[part] = true
	return true
}

func (r *Runner) release(part string) {
	r.mu.Lock()
	delete(r.active, part)
	r.mu.Unlock()
}

// drain processes a partition until it is empty. Items are handled one at
// a time, preserving same-key ordering.
func (r *Runner) drain(ctx context.Context, part string) {
	defer r.release(part)

	key := part
	if key == queue.DefaultPartition {
		key = ""
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok, err := r.queue.Dequeue(ctx, key)
		if err != nil {
			log.Printf("consumer: dequeue %s: %v", part, err)
			return
		}
		if !ok {
			return
		}
		r.process(ctx, part, *msg)
	}
}

// process runs the handler on one delivery and applies the retry policy.
// The original delivery is always acknowledged; a failed item below the
// retry limit is re-published with an incremented retry count after the
// backoff delay.
func (r *Runner) process(ctx context.Context, part string, msg queue.Message) {
	err := r.handler(ctx, msg)

	if ackErr := r.queue.Ack(ctx, msg.Key, msg.ID); ackErr != nil {
		log.Printf("consumer: ack %s: %v", part, ackErr)
	}

	if err == nil {
		fmt.Fprintf(r.out, "consumer: processed [part=%s retry=%d]\n", part, msg.RetryCount)
		return
	}

	if msg.RetryCount >= MaxRetries {
		log.Printf("consumer: dropping after %d retries [part=%s]: %v", msg.RetryCount, part, err)
		if r.onDrop != nil {
			r.onDrop(msg, err)
		}
		return
	}

	delay := Backoff(msg.RetryCount)
	log.Printf("consumer: retry %d/%d in %s [part=%s]: %v", msg.RetryCount+1, MaxRetries, delay, part, err)

	retry := queue.Message{
		Payload:    msg.Payload,
		Key:        msg.Key,
		RetryCount: msg.RetryCount + 1,
	}
	r.republishes.Add(1)
	time.AfterFunc(delay, func() {
		defer r.republishes.Done()
		if err := r.queue.Enqueue(context.Background(), retry); err != nil {
			log.Printf("consumer: re-publish [part=%s]: %v", part, err)
		}
	})
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
