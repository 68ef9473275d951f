package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig controls Retry.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// RetryCondition decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	RetryCondition func(error) bool

	// Timeout bounds each attempt. Zero disables it.
	Timeout time.Duration

	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Op names the operation in logs and timeout errors.
	Op string
}

// DefaultRetryConfig returns 3 attempts with 1s, 2s, ... delays capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryCondition:    IsRetryable,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.RetryCondition == nil {
		c.RetryCondition = IsRetryable
	}
	return c
}

// Retry invokes fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is exhausted. The last error is returned unchanged.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	delays := NewBackoff(cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffMultiplier)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := attemptOnce(ctx, cfg, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts || !cfg.RetryCondition(err) {
			break
		}
		if ctx.Err() != nil {
			return zero, lastErr
		}

		delay := delays.Next()
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
		slog.Debug("retrying after failure", "op", cfg.Op, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)

		if err := Sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// RetryDo is Retry for functions without a result.
func RetryDo(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type attemptResult[T any] struct {
	value T
	err   error
}

// attemptOnce races fn against the attempt timeout. On expiry the attempt's
// context is cancelled and fn is left to return on its own.
func attemptOnce[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.Timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- attemptResult[T]{value: v, err: err}
	}()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return zero, &TimeoutError{Op: cfg.Op, Timeout: cfg.Timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
