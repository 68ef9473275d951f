package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CircuitStateName is the externally visible breaker state.
type CircuitStateName string

const (
	CircuitClosed CircuitStateName = "CLOSED"
	CircuitOpen   CircuitStateName = "OPEN"
)

// CircuitStats is a point-in-time view of a breaker.
type CircuitStats struct {
	Name                string
	State               CircuitStateName
	ConsecutiveFailures int
	LastFailureAt       time.Time
	TotalCalls          int64
	TotalFailures       int64
	Rejected            int64
}

// CircuitBreaker fails fast after threshold consecutive failures and lets a
// single trial call through once openDuration has elapsed.
type CircuitBreaker struct {
	name         string
	threshold    int
	openDuration time.Duration
	now          func() time.Time

	mu   sync.Mutex
	open bool
	// generation advances on every open/close transition. Results of calls
	// admitted under an earlier generation do not change the state.
	generation          uint64
	openedAt            time.Time
	trialInFlight       bool
	consecutiveFailures int
	lastFailureAt       time.Time
	totalCalls          int64
	totalFailures       int64
	rejected            int64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, threshold int, openDuration time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = time.Minute
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ticket, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	cb.record(ticket, callErr)
	return callErr
}

// CallWithBreaker is Execute for functions returning a value.
func CallWithBreaker[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// admission identifies an admitted call: the generation it ran under and
// whether it is the single trial allowed after the cooldown.
type admission struct {
	generation uint64
	trial      bool
}

// admit decides whether a call may proceed.
func (cb *CircuitBreaker) admit() (admission, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		cb.totalCalls++
		return admission{generation: cb.generation}, nil
	}

	retryAt := cb.openedAt.Add(cb.openDuration)
	if cb.trialInFlight || cb.now().Before(retryAt) {
		cb.rejected++
		return admission{}, &CircuitOpenError{Name: cb.name, RetryAt: retryAt, Failures: cb.consecutiveFailures}
	}

	cb.trialInFlight = true
	cb.totalCalls++
	return admission{generation: cb.generation, trial: true}, nil
}

func (cb *CircuitBreaker) record(a admission, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.totalFailures++
	}
	if a.trial {
		cb.trialInFlight = false
	}
	if a.generation != cb.generation {
		// Admitted before the current open period (or before a Reset).
		return
	}

	if err == nil {
		if cb.open && a.trial {
			cb.open = false
			cb.generation++
			slog.Info("circuit closed", "circuit", cb.name)
		}
		if !cb.open {
			cb.consecutiveFailures = 0
		}
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureAt = cb.now()

	switch {
	case a.trial:
		cb.openedAt = cb.now()
		slog.Warn("circuit trial failed, reopening", "circuit", cb.name, "error", err)
	case !cb.open && cb.consecutiveFailures >= cb.threshold:
		cb.open = true
		cb.openedAt = cb.now()
		cb.generation++
		slog.Warn("circuit opened", "circuit", cb.name, "failures", cb.consecutiveFailures, "error", err)
	}
}

// State returns CLOSED or OPEN. A breaker waiting for its trial call is OPEN.
func (cb *CircuitBreaker) State() CircuitStateName {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open {
		return CircuitOpen
	}
	return CircuitClosed
}

// Stats returns counters for the breaker.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := CircuitClosed
	if cb.open {
		state = CircuitOpen
	}
	return CircuitStats{
		Name:                cb.name,
		State:               state,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureAt:       cb.lastFailureAt,
		TotalCalls:          cb.totalCalls,
		TotalFailures:       cb.totalFailures,
		Rejected:            cb.rejected,
	}
}

// Reset closes the breaker and clears failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.trialInFlight = false
	cb.consecutiveFailures = 0
	cb.generation++
}
