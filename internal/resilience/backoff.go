package resilience

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff yields the delay schedule initial, initial*m, initial*m^2, ...
// capped at max (uncapped when max <= 0). It never gives up on its own; callers bound the attempts.
type Backoff struct {
	b *backoff.ExponentialBackOff
}

// NewBackoff creates a deterministic (jitter-free) exponential schedule.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	if max > 0 && initial > max {
		initial = max
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = max
	if max <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()

	return &Backoff{b: b}
}

// Next returns the next delay in the schedule.
func (b *Backoff) Next() time.Duration {
	return b.b.NextBackOff()
}

// Reset restarts the schedule at the initial delay.
func (b *Backoff) Reset() {
	b.b.Reset()
}
