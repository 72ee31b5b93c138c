package iteration

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// Iterator handles iteration with configurable execution strategy
type Iterator struct {
	config Config
}

// NewIterator creates a new iterator with given config
func NewIterator(config Config) *Iterator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = runtime.NumCPU()
	}
	if config.Strategy == "" {
		config.Strategy = StrategyParallel
	}
	return &Iterator{config: config}
}

// Strategy returns the configured strategy
func (it *Iterator) Strategy() Strategy {
	return it.config.Strategy
}

// Process maps every item through processFn, preserving order.
// Returns the results or the first error (fail-fast).
func Process[T, R any](ctx context.Context, it *Iterator, items []T, processFn ProcessFunc[T, R]) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	fn := func(ctx context.Context, idx int) error {
		out, err := processFn(ctx, items[idx], idx)
		if err != nil {
			return err
		}
		results[idx] = out
		return nil
	}

	var errs []error
	var first int
	if it.config.Strategy == StrategySequential {
		errs, first = it.runSequential(ctx, len(items), true, fn)
	} else {
		errs, first = it.runParallel(ctx, len(items), true, fn)
	}

	if first >= 0 {
		return nil, fmt.Errorf("failed processing item %d: %w", first, errs[first])
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Each calls eachFn for every item without stopping at failures. The returned
// slice is nil when every call succeeded, otherwise it holds one entry per
// item with the error of that item (nil for successes).
func Each[T any](ctx context.Context, it *Iterator, items []T, eachFn EachFunc[T]) []error {
	if len(items) == 0 {
		return nil
	}

	fn := func(ctx context.Context, idx int) error {
		return eachFn(ctx, items[idx], idx)
	}

	var errs []error
	var first int
	if it.config.Strategy == StrategySequential {
		errs, first = it.runSequential(ctx, len(items), false, fn)
	} else {
		errs, first = it.runParallel(ctx, len(items), false, fn)
	}
	if first < 0 {
		return nil
	}
	return errs
}

// runSequential processes items one by one. It returns per-item errors and
// the index of the first failure, or -1.
func (it *Iterator) runSequential(ctx context.Context, n int, failFast bool, fn func(context.Context, int) error) ([]error, int) {
	errs := make([]error, n)
	first := -1
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			errs[i] = err
		} else {
			errs[i] = fn(ctx, i)
		}
		if errs[i] == nil {
			continue
		}
		if first < 0 {
			first = i
		}
		if failFast {
			break
		}
	}
	return errs, first
}

// runParallel processes items concurrently with a worker pool
func (it *Iterator) runParallel(ctx context.Context, n int, failFast bool, fn func(context.Context, int) error) ([]error, int) {
	errs := make([]error, n)

	// Create worker pool
	numWorkers := it.config.MaxConcurrent
	if numWorkers > n {
		numWorkers = n
	}

	// Use channels for work distribution and error signaling
	workCh := make(chan int, n)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	first := -1

	// Start workers
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				if failFast && ctx.Err() != nil {
					return
				}
				err := fn(ctx, idx)
				if err == nil {
					continue
				}

				mu.Lock()
				errs[idx] = err
				if first < 0 {
					first = idx
					if failFast {
						cancel() // Signal other workers to stop
					}
				}
				mu.Unlock()
			}
		}()
	}

	// Send work to workers
	sent := 0
sendLoop:
	for ; sent < n; sent++ {
		select {
		case <-ctx.Done():
			break sendLoop
		case workCh <- sent:
		}
	}
	close(workCh)

	wg.Wait()

	if !failFast && sent < n {
		// parent context ended before every item was handed out
		for i := sent; i < n; i++ {
			errs[i] = ctx.Err()
		}
		if first < 0 {
			first = sent
		}
	}
	return errs, first
}
