package concurrency

import (
	"context"
	"sync"
	"time"
)

// Stats is a snapshot of limiter activity
type Stats struct {
	Started  int64
	Finished int64
	Refused  int64
	Peak     int64
	Waited   time.Duration
}

// Limiter bounds how many actions run at once in one process. Slots are
// handed out through a buffered channel so waiting honours the caller's
// context.
type Limiter struct {
	slots   chan struct{}
	breaker *CircuitBreaker

	mu     sync.Mutex
	active int64
	stats  Stats
}

// NewLimiter returns a limiter with capacity slots and a breaker that opens
// after 100 consecutive failures.
func NewLimiter(capacity int) *Limiter {
	return NewLimiterWithCircuitBreaker(capacity, NewCircuitBreaker(100, defaultCoolDown))
}

// NewLimiterWithCircuitBreaker returns a limiter guarded by cb. A nil cb
// disables the breaker.
func NewLimiterWithCircuitBreaker(capacity int, cb *CircuitBreaker) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{slots: make(chan struct{}, capacity), breaker: cb}
}

// Acquire blocks until a slot is free. It fails fast with ErrCircuitOpen
// while the breaker is open and returns ctx.Err() if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.breaker != nil && l.breaker.IsOpen() {
		l.mu.Lock()
		l.stats.Refused++
		l.mu.Unlock()
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.active++
	l.stats.Started++
	l.stats.Waited += time.Since(start)
	if l.active > l.stats.Peak {
		l.stats.Peak = l.active
	}
	l.mu.Unlock()
	return nil
}

// Release frees a slot taken by Acquire
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
		return
	}
	l.mu.Lock()
	l.active--
	l.stats.Finished++
	l.mu.Unlock()
}

// GoSync runs fn in the calling goroutine once a slot is free and feeds
// its outcome to the breaker.
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn()
	if l.breaker != nil {
		if err != nil {
			l.breaker.RecordFailure()
		} else {
			l.breaker.RecordSuccess()
		}
	}
	return err
}

// CurrentActive returns how many slots are held
func (l *Limiter) CurrentActive() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Limiter) Capacity() int {
	return cap(l.slots)
}

// CircuitBreaker returns the breaker guarding Acquire, or nil
func (l *Limiter) CircuitBreaker() *CircuitBreaker {
	return l.breaker
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
