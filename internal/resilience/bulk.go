package resilience

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BulkSuccess pairs an item with its result.
type BulkSuccess[T, R any] struct {
	Item   T
	Result R
}

// BulkFailure pairs an item with the error that exhausted its retries.
type BulkFailure[T any] struct {
	Item T
	Err  error
}

// BulkResult partitions the outcome of RetryBulk. Both slices keep input order.
type BulkResult[T, R any] struct {
	Successful []BulkSuccess[T, R]
	Failed     []BulkFailure[T]
}

// RetryBulkConfig controls RetryBulk.
type RetryBulkConfig struct {
	Retry RetryConfig

	// Concurrency bounds how many items are in flight. Zero means sequential.
	Concurrency int
}

// RetryBulk applies op to every item with its own retry budget. One item
// exhausting its retries never aborts the others.
func RetryBulk[T, R any](ctx context.Context, items []T, op func(ctx context.Context, item T) (R, error), cfg RetryBulkConfig) BulkResult[T, R] {
	type outcome struct {
		result R
		err    error
	}
	outcomes := make([]outcome, len(items))

	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}

	// Workers always return nil; failures are collected per index.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			r, err := Retry(ctx, cfg.Retry, func(ctx context.Context) (R, error) {
				return op(ctx, item)
			})
			outcomes[i] = outcome{result: r, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var res BulkResult[T, R]
	for i, o := range outcomes {
		if o.err != nil {
			res.Failed = append(res.Failed, BulkFailure[T]{Item: items[i], Err: o.err})
			continue
		}
		res.Successful = append(res.Successful, BulkSuccess[T, R]{Item: items[i], Result: o.result})
	}
	return res
}
