package correlator

import (
	"fmt"
	"sync"

	"github.com/zulandar/switchboard/internal/command"
)

// Batch tracks one in-flight batch of independently dispatched
// sub-commands. Context.Metadata accumulates the partial results as
// sub-responses arrive.
type Batch struct {
	Total     int
	Completed int
	Context   command.Context
}

// BatchTracker owns all in-flight batch state, in process memory. Keyed
// by batch ID; a batch is finalized and removed exactly once, by the
// sub-response that observes Completed == Total.
type BatchTracker struct {
	mu      sync.Mutex
	batches map[string]*Batch
}

// NewBatchTracker creates a BatchTracker.
func NewBatchTracker() *BatchTracker {
	return &BatchTracker{batches: make(map[string]*Batch)}
}

// Begin registers a new batch. Total must be positive.
func (t *BatchTracker) Begin(batchID string, total int, ctx command.Context) error {
	if batchID == "" {
		return fmt.Errorf("correlator: batchID is required")
	}
	if total <= 0 {
		return fmt.Errorf("correlator: batch %s: total must be positive", batchID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.batches[batchID]; exists {
		return fmt.Errorf("correlator: batch %s already exists", batchID)
	}
	if ctx.Metadata == nil {
		ctx.Metadata = make(map[string]interface{})
	}
	t.batches[batchID] = &Batch{Total: total, Context: ctx}
	return nil
}

// Apply records one sub-response against a batch: fn mutates the batch's
// context under the tracker lock, then Completed is incremented. When the
// batch is complete it is removed and returned with done=true; exactly
// one Apply call per batch observes done. An unknown batch ID returns
// (nil, false); duplicate deliveries after finalization land here.
func (t *BatchTracker) Apply(batchID string, fn func(*Batch)) (*Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.batches[batchID]
	if !ok {
		return nil, false
	}
	if fn != nil {
		fn(b)
	}
	b.Completed++
	if b.Completed < b.Total {
		return b, false
	}
	delete(t.batches, batchID)
	return b, true
}

// Len returns the number of in-flight batches.
func (t *BatchTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

// appendMeta appends v to the named metadata list.
func appendMeta(b *Batch, key string, v interface{}) {
	list, _ := b.Context.Metadata[key].([]interface{})
	b.Context.Metadata[key] = append(list, v)
}

// metaList returns the named metadata list.
func metaList(b *Batch, key string) []interface{} {
	list, _ := b.Context.Metadata[key].([]interface{})
	return list
}
