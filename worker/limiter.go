// Package worker provides the single bounded-concurrency limiter shared by
// the Stream Processor and the Upsert Engine, per spec §5 ("A single
// limiter of capacity concurrencyLimit guards both stream materialization
// and per-row inserts; when asyncProcessing=false the capacity is 1 and the
// pipeline is strictly serial").
//
// The teacher's worker.Pool (a fixed goroutine pool draining a buffered job
// channel) is one valid way to express a bounded-concurrency limiter, but it
// owns its own goroutines and result channel per instantiation — it can't be
// a single object shared between two unrelated call sites the way spec §5
// requires. golang.org/x/sync/semaphore.Weighted is a plain permit, so one
// Limiter value can be handed to both the Stream Processor and the Upsert
// Engine; see DESIGN.md.
package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of in-flight operations to Capacity.
type Limiter struct {
	sem *semaphore.Weighted
	cap int64
}

// NewLimiter creates a Limiter with the given capacity. A capacity <= 0 is
// treated as 1, matching spec §6's "asyncProcessing=false → capacity is 1".
func NewLimiter(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(capacity)), cap: int64(capacity)}
}

// Capacity returns the configured concurrency limit.
func (l *Limiter) Capacity() int { return int(l.cap) }

// Acquire blocks until a slot is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release returns a slot to the limiter. Must be called exactly once per
// successful Acquire, on every exit path.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Go acquires a slot, runs fn in a new goroutine, and releases the slot
// when fn returns. It blocks until a slot is available (or ctx is done),
// but does not wait for fn to complete — callers that need to know when
// all dispatched work has finished should use a sync.WaitGroup alongside
// Go, as the Stream Processor does.
func (l *Limiter) Go(ctx context.Context, fn func()) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	go func() {
		defer l.Release()
		fn()
	}()
	return nil
}
