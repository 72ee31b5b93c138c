package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/iteration"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(3)
	assert.Equal(t, 3, limiter.Capacity())

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.GoSync(context.Background(), func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	stats := limiter.Stats()
	assert.Equal(t, int64(12), stats.Started)
	assert.Equal(t, int64(12), stats.Finished)
	assert.LessOrEqual(t, stats.Peak, int64(3))
	assert.Equal(t, int64(0), limiter.CurrentActive())
}

func TestLimiter_AcquireRespectsContext(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Acquire(ctx), context.DeadlineExceeded)
}

func TestLimiter_CircuitBreakerOpens(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	var transitions []string
	cb.OnStateChange(func(from, to CircuitBreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	limiter := NewLimiterWithCircuitBreaker(2, cb)

	for i := 0; i < 2; i++ {
		err := limiter.GoSync(context.Background(), func() error { return errors.New("publish failed") })
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, limiter.Acquire(context.Background()), ErrCircuitOpen)
	assert.Equal(t, int64(1), limiter.Stats().Refused)
	assert.Equal(t, []string{"closed->open"}, transitions)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, limiter.GoSync(context.Background(), func() error { return nil }))
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenProbes(t *testing.T) {
	clock := time.Unix(0, 0)
	cb := NewCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return clock }

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	clock = clock.Add(2 * time.Minute)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.State())

	// a failed probe reopens immediately
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.IsOpen())

	clock = clock.Add(2 * time.Minute)
	require.False(t, cb.IsOpen())
	for i := 0; i < halfOpenSuccesses-1; i++ {
		cb.RecordSuccess()
		assert.Equal(t, StateHalfOpen, cb.State())
	}
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestLimiter_NilBreaker(t *testing.T) {
	limiter := NewLimiterWithCircuitBreaker(0, nil)
	assert.Equal(t, 1, limiter.Capacity())
	assert.Nil(t, limiter.CircuitBreaker())
	for i := 0; i < 20; i++ {
		assert.Error(t, limiter.GoSync(context.Background(), func() error { return errors.New("boom") }))
	}
	assert.NoError(t, limiter.Acquire(context.Background()))
	limiter.Release()
	limiter.Release()
	assert.Equal(t, int64(0), limiter.CurrentActive())
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT", "7")
	t.Setenv("DAEDALUS_RUNNER_WORKERS", "3")
	t.Setenv("DAEDALUS_DISPATCH_MODE", "Sequential")

	cfg := LoadConfig()
	assert.Equal(t, 7, cfg.MaxConcurrent)
	assert.Equal(t, 3, cfg.RunnerWorkers)
	assert.Equal(t, iteration.StrategySequential, cfg.DispatchMode)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)

	t.Setenv("DAEDALUS_DISPATCH_MODE", "bogus")
	assert.Equal(t, iteration.StrategyParallel, LoadConfig().DispatchMode)
}
