// Package workerpool bounds intra-phase parallelism for the typecheck
// engine. Workers never touch the message queue, the protocol streams, or
// the live GlobalState.
package workerpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool runs batches of independent tasks with a fixed concurrency limit.
type Pool struct {
	size int
}

// New returns a pool of the given size. A size below one defaults to the
// number of CPUs.
func New(size int) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	return &Pool{size: size}
}

// Size reports the concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// Each runs fn for every index in [0, n), at most Size at a time. The first
// error cancels the remaining tasks.
func (p *Pool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, i)
		})
	}
	return g.Wait()
}
