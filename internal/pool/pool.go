// Package pool bounds concurrent calls to the external tracker.
package pool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent remote calls using a weighted semaphore.
// All tracker calls across drain lanes go through one shared Pool so the
// tracker's rate limits are respected regardless of how many lanes run.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
}

// NewPool creates a Pool that allows at most limit concurrent calls.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) error) error {
	if p == nil || p.sem == nil {
		return fn(ctx)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

// Limit returns the configured concurrency.
func (p *Pool) Limit() int {
	if p == nil {
		return 0
	}
	return p.limit
}

// InFlight returns the number of calls currently holding a slot.
func (p *Pool) InFlight() int {
	if p == nil {
		return 0
	}
	return int(p.inFlight.Load())
}
