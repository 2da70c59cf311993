package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map applies fn to every item with at most workers running concurrently
// (workers <= 0 means unbounded) and returns results in item order. The
// first error cancels the remaining work and is returned.
func Map[I, R any](ctx context.Context, items []I, workers int, fn func(ctx context.Context, item I) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			v, err := fn(gctx, item)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
