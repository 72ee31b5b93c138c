// Package store persists with-items task execution records.
//
// Updates are read-modify-write cycles guarded by an optimistic version
// check: a write only succeeds when the record still has the version it was
// read at, and conflicting writers are retried with exponential backoff.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

var (
	// ErrNotFound is returned when no record has the requested id
	ErrNotFound = errors.New("task execution not found")

	// ErrConflict is returned when a record changed between read and write
	ErrConflict = errors.New("task execution was modified concurrently")

	// ErrExists is returned by Create for a duplicate id
	ErrExists = errors.New("task execution already exists")
)

// UpdateFunc mutates a record in place. Returning an error aborts the update.
type UpdateFunc func(rec *TaskExecution) error

// Store is the task execution record store
type Store interface {
	Create(ctx context.Context, rec *TaskExecution) error
	Get(ctx context.Context, id string) (*TaskExecution, error)
	// Update applies fn to the latest version of the record and persists it,
	// retrying on concurrent modification. It returns the stored record.
	Update(ctx context.Context, id string, fn UpdateFunc) (*TaskExecution, error)
	Close() error
}

// RetryPolicy bounds conflict retries of Update
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 10,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// backend is what a concrete store provides to updateWithRetry
type backend interface {
	Get(ctx context.Context, id string) (*TaskExecution, error)
	// compareAndSwap writes rec when the stored version equals expected
	compareAndSwap(ctx context.Context, rec *TaskExecution, expected int64) error
}

func updateWithRetry(ctx context.Context, b backend, policy RetryPolicy, id string, fn UpdateFunc) (*TaskExecution, error) {
	var updated *TaskExecution
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		rec, err := b.Get(ctx, id)
		if err != nil {
			return err
		}

		expected := rec.Version
		if err := fn(rec); err != nil {
			return err
		}
		rec.Version = expected + 1
		rec.UpdatedAt = time.Now().UTC()

		if err := b.compareAndSwap(ctx, rec, expected); err != nil {
			if errors.Is(err, ErrConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update task execution %s: %w", id, err)
	}
	return updated, nil
}
