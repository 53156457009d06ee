package git

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool caps concurrent git CLI invocations across all projects with a
// weighted semaphore. Every exec in this package goes through the manager's
// pool; a protocol fan-out therefore queues instead of forking hundreds of
// git processes.
type Pool struct {
	sem   *semaphore.Weighted
	slots int
}

// NewPool creates a Pool allowing at most limit concurrent operations.
// A limit below one is raised to one so the pool never deadlocks.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), slots: limit}
}

// Cap reports the effective slot count, which may differ from the
// configured value after clamping.
func (p *Pool) Cap() int {
	if p == nil {
		return 0
	}
	return p.slots
}

// Run acquires a slot, runs fn, and releases the slot. It blocks while all
// slots are busy and returns ctx.Err() if the context ends first. A nil
// pool runs fn directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
