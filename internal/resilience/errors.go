// Package resilience provides retry, circuit breaking, rate limiting and
// bulk retry primitives shared by the job manager and the sync pipeline.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Sentinel errors for the failure taxonomy.
// Use errors.Is() to classify errors returned by wrapped calls.
var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks network, 5xx or throttling failures of an external service.
	ErrTransient = errors.New("transient service error")

	// ErrPermanent marks a 4xx-shaped business rejection. Not retried.
	ErrPermanent = errors.New("permanent service error")

	// ErrTimeout marks an operation that exceeded its bound.
	ErrTimeout = errors.New("timeout")

	// ErrCircuitOpen is returned without invoking the protected call.
	ErrCircuitOpen = errors.New("circuit open")
)

// ValidationError builds an ErrValidation-wrapped error.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ServiceError describes a failed call to an external service.
type ServiceError struct {
	Service    string
	Op         string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is classifies the error by status code so callers can match ErrTransient
// or ErrPermanent without knowing about ServiceError.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.transient()
	case ErrPermanent:
		return !e.transient()
	}
	return false
}

func (e *ServiceError) transient() bool {
	if e.StatusCode == 0 {
		// No response at all: connection level failure.
		return true
	}
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}

// TimeoutError is returned when an attempt exceeds its configured timeout.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("operation timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// WorkflowTimeoutError is returned when a long-running workflow did not reach
// a terminal state within the allotted number of polls.
type WorkflowTimeoutError struct {
	RunID string
	Polls int
}

func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("workflow %s did not finish after %d polls", e.RunID, e.Polls)
}

func (e *WorkflowTimeoutError) Is(target error) bool { return target == ErrTimeout }

// CircuitOpenError is returned by an open breaker.
type CircuitOpenError struct {
	Name     string
	RetryAt  time.Time
	Failures int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open after %d consecutive failures", e.Name, e.Failures)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// IsRetryable is the default retry condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrTransient):
		return true
	case errors.Is(err, ErrPermanent):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	// Unclassified errors from SDKs that only expose messages.
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

var transientHints = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"too many requests",
	"i/o timeout",
}
