package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/vecsync/internal/resilience"
)

// RunState is the lifecycle state of a workflow run.
type RunState string

const (
	RunRunning  RunState = "running"
	RunComplete RunState = "complete"
	RunErrored  RunState = "errored"
)

// RunStatus is what a poller sees for a run.
type RunStatus struct {
	RunID     string         `json:"run_id"`
	Workflow  string         `json:"workflow"`
	State     RunState       `json:"state"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitzero"`

	cause error
}

// ErrUnknownRun is returned by Status for runs this runtime never started.
var ErrUnknownRun = errors.New("unknown workflow run")

// WorkflowFunc is a registered workflow body. Its steps should go through ex
// so a restarted run skips work that already succeeded.
type WorkflowFunc func(ctx context.Context, ex *Executor, input map[string]any) (map[string]any, error)

type runEntry struct {
	status RunStatus
	done   chan struct{}
}

// Runtime starts workflow runs in the background and reports their status.
// Step memoization lives in the StepStore, so a run restarted with the same
// id (in this process or after a restart) resumes after its last
// successful step.
type Runtime struct {
	store     StepStore
	logger    *slog.Logger
	execOpts  []Option
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	workflows map[string]WorkflowFunc
	runs      map[string]*runEntry
}

// NewRuntime creates a runtime whose runs live until Close.
func NewRuntime(store StepStore, logger *slog.Logger, execOpts ...Option) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		store:     store,
		logger:    logger,
		execOpts:  execOpts,
		ctx:       ctx,
		cancel:    cancel,
		workflows: make(map[string]WorkflowFunc),
		runs:      make(map[string]*runEntry),
	}
}

// Register makes a workflow startable by name.
func (r *Runtime) Register(name string, fn WorkflowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = fn
}

// Store returns the step store backing the runtime.
func (r *Runtime) Store() StepStore {
	return r.store
}

// Start launches a run. Starting a run that is running or complete is a
// no-op; an errored run is started again under the same id.
func (r *Runtime) Start(_ context.Context, workflow, runID string, input map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return fmt.Errorf("start %s: runtime closed", runID)
	}

	fn, ok := r.workflows[workflow]
	if !ok {
		return resilience.ValidationError("unknown workflow %q", workflow)
	}

	if entry, ok := r.runs[runID]; ok && entry.status.State != RunErrored {
		return nil
	}

	entry := &runEntry{
		status: RunStatus{RunID: runID, Workflow: workflow, State: RunRunning, StartedAt: time.Now()},
		done:   make(chan struct{}),
	}
	r.runs[runID] = entry

	r.wg.Add(1)
	go r.execute(entry, fn, input)
	r.logger.Info("workflow run started", "workflow", workflow, "run_id", runID)
	return nil
}

func (r *Runtime) execute(entry *runEntry, fn WorkflowFunc, input map[string]any) {
	defer r.wg.Done()
	defer close(entry.done)

	runID := entry.status.RunID
	ex := NewExecutor(runID, r.store, append([]Option{WithLogger(r.logger)}, r.execOpts...)...)

	var (
		output map[string]any
		err    error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("internal panic: %v", p)
			}
		}()
		output, err = fn(r.ctx, ex, input)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	entry.status.EndedAt = time.Now()
	entry.status.Output = output
	if err != nil {
		entry.status.State = RunErrored
		entry.status.Error = err.Error()
		entry.status.cause = err
		r.logger.Warn("workflow run errored", "workflow", entry.status.Workflow, "run_id", runID, "error", err)
		return
	}
	entry.status.State = RunComplete
	r.logger.Info("workflow run complete", "workflow", entry.status.Workflow, "run_id", runID)
}

// Status reports a run's state.
func (r *Runtime) Status(_ context.Context, runID string) (RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.runs[runID]
	if !ok {
		return RunStatus{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return entry.status, nil
}

// Wait blocks until the run ends or ctx is done.
func (r *Runtime) Wait(ctx context.Context, runID string) (RunStatus, error) {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return RunStatus{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	select {
	case <-entry.done:
		return r.Status(ctx, runID)
	case <-ctx.Done():
		return RunStatus{}, ctx.Err()
	}
}

// Close cancels in-flight runs and waits for them to return.
func (r *Runtime) Close() {
	r.cancel()
	r.wg.Wait()
}

// StatusSource is the polling side of a workflow runtime.
type StatusSource interface {
	Status(ctx context.Context, runID string) (RunStatus, error)
}

// PollConfig bounds AwaitRun.
type PollConfig struct {
	MaxPolls    int
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// DefaultPollConfig polls every 2s for up to 5 minutes.
func DefaultPollConfig() PollConfig {
	return PollConfig{MaxPolls: 150, Interval: 2 * time.Second, Multiplier: 1}
}

// AwaitRun polls a run until it is complete or errored. It returns a
// WorkflowTimeoutError when MaxPolls is exhausted first.
func AwaitRun(ctx context.Context, src StatusSource, runID string, cfg PollConfig) (map[string]any, error) {
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 1
	}
	delays := resilience.NewBackoff(cfg.Interval, cfg.MaxInterval, cfg.Multiplier)

	for poll := 1; poll <= cfg.MaxPolls; poll++ {
		st, err := src.Status(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", runID, err)
		}

		switch st.State {
		case RunComplete:
			return st.Output, nil
		case RunErrored:
			return st.Output, &RunError{RunID: runID, Message: st.Error, Err: st.cause}
		}

		if poll == cfg.MaxPolls {
			break
		}
		if err := resilience.Sleep(ctx, delays.Next()); err != nil {
			return nil, err
		}
	}
	return nil, &resilience.WorkflowTimeoutError{RunID: runID, Polls: cfg.MaxPolls}
}

// RunError reports an errored run. Err is only set when the run executed in
// this process.
type RunError struct {
	RunID   string
	Message string
	Err     error
}

func (e *RunError) Error() string {
	return e.Message
}

func (e *RunError) Unwrap() error { return e.Err }
