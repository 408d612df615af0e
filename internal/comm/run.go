package comm

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Run executes fn once per rank of a fresh n-rank in-process world, each on
// its own goroutine, and returns the first error.
//
// When one rank fails the shared context is cancelled so that ranks blocked
// in a collective return instead of waiting forever.
func Run(ctx context.Context, n int, fn func(ctx context.Context, g Group) error) error {
	members := NewWorld(n)
	eg, ctx := errgroup.WithContext(ctx)
	for _, m := range members {
		eg.Go(func() error {
			return fn(ctx, m)
		})
	}
	return eg.Wait()
}
