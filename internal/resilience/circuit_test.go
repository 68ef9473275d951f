package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, open time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", threshold, open)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	var calls atomic.Int32
	failing := func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}

	ctx := context.Background()
	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, CircuitClosed, cb.State())
	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())

	stats := cb.Stats()
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(2), stats.TotalFailures)
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("x") })
	require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))
	_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("x") })

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().ConsecutiveFailures)
}

func TestCircuitBreakerTrialCall(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		cb, clock := newTestBreaker(1, time.Minute)
		ctx := context.Background()
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("x") })
		require.Equal(t, CircuitOpen, cb.State())

		clock.advance(time.Minute)
		require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))
		assert.Equal(t, CircuitClosed, cb.State())
		assert.Equal(t, 0, cb.Stats().ConsecutiveFailures)
	})

	t.Run("failure reopens", func(t *testing.T) {
		cb, clock := newTestBreaker(1, time.Minute)
		ctx := context.Background()
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("x") })

		clock.advance(time.Minute)
		err := cb.Execute(ctx, func(ctx context.Context) error { return errors.New("still down") })
		assert.EqualError(t, err, "still down")
		assert.Equal(t, CircuitOpen, cb.State())

		// Cooldown restarted at the failed trial.
		clock.advance(30 * time.Second)
		assert.ErrorIs(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }), ErrCircuitOpen)
	})

	t.Run("only one trial in flight", func(t *testing.T) {
		cb, clock := newTestBreaker(1, time.Minute)
		ctx := context.Background()
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("x") })
		clock.advance(time.Minute)

		release := make(chan struct{})
		done := make(chan error, 1)
		started := make(chan struct{})
		go func() {
			done <- cb.Execute(ctx, func(ctx context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, CircuitClosed, cb.State())
	})
}

func TestCircuitBreakerIgnoresStragglers(t *testing.T) {
	for _, tc := range []struct {
		name   string
		result error
	}{
		{"success", nil},
		{"failure", errors.New("late failure")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cb, clock := newTestBreaker(2, time.Hour)
			ctx := context.Background()

			release := make(chan struct{})
			started := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				done <- cb.Execute(ctx, func(ctx context.Context) error {
					close(started)
					<-release
					return tc.result
				})
			}()
			<-started

			for range 2 {
				_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("down") })
			}
			require.Equal(t, CircuitOpen, cb.State())
			openedFailures := cb.Stats().ConsecutiveFailures

			close(release)
			<-done

			assert.Equal(t, CircuitOpen, cb.State())
			assert.Equal(t, openedFailures, cb.Stats().ConsecutiveFailures)

			var calls atomic.Int32
			err := cb.Execute(ctx, func(ctx context.Context) error {
				calls.Add(1)
				return nil
			})
			assert.ErrorIs(t, err, ErrCircuitOpen)
			assert.Zero(t, calls.Load())

			// The cooldown still ends on schedule and the trial decides.
			clock.advance(time.Hour)
			require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))
			assert.Equal(t, CircuitClosed, cb.State())
		})
	}
}

func TestCallWithBreaker(t *testing.T) {
	cb := NewCircuitBreaker("typed", 3, time.Second)
	got, err := CallWithBreaker(context.Background(), cb, func(ctx context.Context) (string, error) {
		return "vector", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "vector", got)
	assert.Equal(t, int64(1), cb.Stats().TotalCalls)
}
