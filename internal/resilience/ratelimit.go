package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RateLimiter admits up to maxConcurrent calls at once and spaces successive
// dispatches at least minInterval apart. Waiters are admitted in arrival order.
type RateLimiter struct {
	sem         *semaphore.Weighted
	minInterval time.Duration
	now         func() time.Time

	mu           sync.Mutex
	nextDispatch time.Time
}

// NewRateLimiter creates a limiter.
func NewRateLimiter(maxConcurrent int, minInterval time.Duration) *RateLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &RateLimiter{
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Acquire blocks until a slot is free and the dispatch spacing allows the
// call to start. The returned release must be called when the call finishes.
func (l *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	wait := l.reserve()
	if err := Sleep(ctx, wait); err != nil {
		l.sem.Release(1)
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}

// reserve books the next dispatch slot and returns how long to wait for it.
func (l *RateLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	at := now
	if l.nextDispatch.After(now) {
		at = l.nextDispatch
	}
	l.nextDispatch = at.Add(l.minInterval)
	return at.Sub(now)
}

// Do runs fn under the limiter.
func (l *RateLimiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Limit is Do for functions returning a value.
func Limit[T any](ctx context.Context, l *RateLimiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	release, err := l.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer release()
	return fn(ctx)
}
