package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/vecsync/internal/observability"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// StepError is returned when a critical step fails.
type StepError struct {
	RunID string
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepOptions controls a single step.
type StepOptions struct {
	// Critical steps abort the run on failure; others degrade to a zero result.
	Critical bool

	// Retry overrides the executor's step retry policy.
	Retry *resilience.RetryConfig
}

// Executor runs named steps for one run, memoizing successful outputs in a
// StepStore so that re-running the same run skips completed work.
type Executor struct {
	runID       string
	store       StepStore
	retry       resilience.RetryConfig
	logger      *slog.Logger
	instruments *observability.Instruments
	now         func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetry sets the default step retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Executor) { e.retry = cfg }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithInstruments sets the metric instruments.
func WithInstruments(in *observability.Instruments) Option {
	return func(e *Executor) { e.instruments = in }
}

// NewExecutor creates an executor for runID. Steps run once by default.
func NewExecutor(runID string, store StepStore, opts ...Option) *Executor {
	e := &Executor{
		runID:       runID,
		store:       store,
		retry:       resilience.RetryConfig{MaxAttempts: 1},
		logger:      slog.Default(),
		instruments: observability.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("run_id", runID)
	return e
}

// RunID returns the run this executor records against.
func (e *Executor) RunID() string {
	return e.runID
}

// Records returns the run's step log in append order.
func (e *Executor) Records(ctx context.Context) ([]StepRecord, error) {
	return e.store.List(ctx, e.runID)
}

// ExecuteStep runs fn as the named step. A previously SUCCEEDED step returns
// its stored output without calling fn.
func ExecuteStep[T any](ctx context.Context, e *Executor, name string, fn func(ctx context.Context) (T, error), opts StepOptions) (T, error) {
	var zero T

	memo, err := e.store.Succeeded(ctx, e.runID, name)
	if err != nil {
		return zero, fmt.Errorf("load step %s: %w", name, err)
	}
	if memo != nil {
		var out T
		if len(memo.Output) > 0 {
			if err := json.Unmarshal(memo.Output, &out); err != nil {
				return zero, fmt.Errorf("decode step %s output: %w", name, err)
			}
		}
		e.logger.Debug("step memoized", "step", name)
		return out, nil
	}

	ctx, span := observability.StartSpan(ctx, "step."+name,
		attribute.String("run_id", e.runID),
		attribute.String("step", name),
		attribute.Bool("critical", opts.Critical),
	)

	retry := e.retry
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	retry.Op = name
	var attempts atomic.Int32

	started := e.now()
	out, runErr := resilience.Retry(ctx, retry, func(ctx context.Context) (T, error) {
		attempts.Add(1)
		return fn(ctx)
	})
	completed := e.now()
	observability.EndSpan(span, runErr)

	rec := StepRecord{
		RunID:       e.runID,
		Name:        name,
		Critical:    opts.Critical,
		Attempts:    int(attempts.Load()),
		StartedAt:   started,
		CompletedAt: completed,
	}

	if runErr == nil {
		rec.Status = StepSucceeded
		if rec.Output, err = json.Marshal(out); err != nil {
			return zero, fmt.Errorf("encode step %s output: %w", name, err)
		}
		if err := e.store.Append(ctx, rec); err != nil {
			return zero, fmt.Errorf("record step %s: %w", name, err)
		}
		e.instruments.StepOutcome(ctx, name, string(StepSucceeded), completed.Sub(started))
		e.logger.Debug("step succeeded", "step", name, "attempts", rec.Attempts, "duration_ms", completed.Sub(started).Milliseconds())
		return out, nil
	}

	rec.Status = StepFailed
	rec.Error = runErr.Error()
	if err := e.store.Append(ctx, rec); err != nil {
		e.logger.Warn("failed to record step failure", "step", name, "error", err)
	}
	e.instruments.StepOutcome(ctx, name, string(StepFailed), completed.Sub(started))

	if opts.Critical {
		e.logger.Error("critical step failed", "step", name, "attempts", rec.Attempts, "error", runErr)
		return zero, &StepError{RunID: e.runID, Step: name, Err: runErr}
	}

	e.logger.Warn("step failed, continuing with empty result", "step", name, "attempts", rec.Attempts, "error", runErr)
	return zero, nil
}

// NamedStep is one entry for ExecuteParallel.
type NamedStep[T any] struct {
	Name    string
	Fn      func(ctx context.Context) (T, error)
	Options StepOptions
}

// ExecuteParallel runs steps concurrently and returns their results in
// declaration order. The first critical failure cancels the remaining steps
// and is returned.
func ExecuteParallel[T any](ctx context.Context, e *Executor, steps []NamedStep[T]) ([]T, error) {
	results := make([]T, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range steps {
		g.Go(func() error {
			out, err := ExecuteStep(gctx, e, step.Name, step.Fn, step.Options)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExecuteIf runs the step only when cond holds. A skipped step is recorded
// for the audit trail but not memoized, so the predicate is re-evaluated
// on resume. The boolean reports whether the step ran.
func ExecuteIf[T any](ctx context.Context, e *Executor, name string, cond bool, fn func(ctx context.Context) (T, error), opts StepOptions) (T, bool, error) {
	if !cond {
		var zero T
		now := e.now()
		rec := StepRecord{RunID: e.runID, Name: name, Status: StepSkipped, Critical: opts.Critical, StartedAt: now, CompletedAt: now}
		if err := e.store.Append(ctx, rec); err != nil {
			return zero, false, fmt.Errorf("record skipped step %s: %w", name, err)
		}
		e.logger.Debug("step skipped", "step", name)
		return zero, false, nil
	}

	out, err := ExecuteStep(ctx, e, name, fn, opts)
	return out, true, err
}
