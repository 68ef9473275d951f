// Package service implements the job manager, job handlers, the vector
// service and the source synchronization pipeline.
package service

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/observability"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/samber/lo"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrManagerClosed is returned when submitting to a closed manager.
	ErrManagerClosed = errors.New("job manager closed")
)

// JobHandler performs the work of one job attempt. It receives a snapshot of
// the job; the returned map becomes the job result on success.
type JobHandler func(ctx context.Context, job *models.Job) (map[string]any, error)

// JobStore persists job state so unfinished jobs survive a restart.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.Job) error
	IncompleteJobs(ctx context.Context) ([]*models.Job, error)
	DeleteJobs(ctx context.Context, ids []string) error
}

// JobManagerConfig configures a JobManager.
type JobManagerConfig struct {
	// Concurrency caps simultaneously processing jobs (default 4).
	Concurrency int

	// MaxAttempts is the default attempt budget per job (default 3).
	MaxAttempts int

	// Retry supplies the delay schedule between attempts. Only InitialDelay,
	// MaxDelay and BackoffMultiplier are used.
	Retry resilience.RetryConfig

	Instruments *observability.Instruments
}

// JobStatistics counts jobs per status.
type JobStatistics struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// JobOption adjusts a job at creation time.
type JobOption func(*models.Job)

// WithPriority sets the dispatch priority. Higher runs first.
func WithPriority(p int) JobOption {
	return func(j *models.Job) { j.Priority = p }
}

// WithMaxAttempts overrides the manager's attempt budget for one job.
func WithMaxAttempts(n int) JobOption {
	return func(j *models.Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

type jobEntry struct {
	job *models.Job
	seq uint64

	// dispatched is set once the handler has been invoked for the current
	// attempt. Cancellation is refused from then on.
	dispatched bool

	// wake interrupts a retry wait when the job is cancelled.
	wake chan struct{}

	// settled is closed once no goroutine owns the job anymore.
	settled chan struct{}

	backoff *resilience.Backoff
	index   int
}

// jobQueue orders queued jobs by priority, then submission order.
type jobQueue []*jobEntry

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].job.Priority != q[j].job.Priority {
		return q[i].job.Priority > q[j].job.Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	e := x.(*jobEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// JobManager schedules jobs under a concurrency cap and drives each one
// through its lifecycle. It is the only writer of job state.
type JobManager struct {
	mu          sync.Mutex
	jobs        map[string]*jobEntry
	queue       jobQueue
	running     int
	seq         uint64
	concurrency int
	maxAttempts int
	retry       resilience.RetryConfig
	handlers    map[models.JobType]JobHandler
	store       JobStore
	instruments *observability.Instruments

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobManager creates a job manager. store may be nil for an in-memory
// only manager.
func NewJobManager(cfg JobManagerConfig, store JobStore) *JobManager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = time.Second
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		cfg.Retry.BackoffMultiplier = 2
	}
	if cfg.Instruments == nil {
		cfg.Instruments = observability.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobManager{
		jobs:        make(map[string]*jobEntry),
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		retry:       cfg.Retry,
		handlers:    make(map[models.JobType]JobHandler),
		store:       store,
		instruments: cfg.Instruments,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Concurrency returns the configured concurrency level.
func (m *JobManager) Concurrency() int {
	return m.concurrency
}

// RegisterHandler sets the handler for a job type.
func (m *JobManager) RegisterHandler(jobType models.JobType, h JobHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = h
}

// CreateJob validates and enqueues a job. The returned snapshot is either
// queued or, when a slot was free, already processing.
func (m *JobManager) CreateJob(ctx context.Context, jobType models.JobType, params map[string]any, opts ...JobOption) (*models.Job, error) {
	if !slices.Contains(models.JobTypes, jobType) {
		return nil, resilience.ValidationError("unknown job type %q", jobType)
	}
	if err := ValidateJobParams(jobType, params); err != nil {
		return nil, err
	}

	m.mu.Lock()
	_, ok := m.handlers[jobType]
	closed := m.ctx.Err() != nil
	m.mu.Unlock()
	if !ok {
		return nil, resilience.ValidationError("no handler registered for %s", jobType)
	}
	if closed {
		return nil, ErrManagerClosed
	}

	now := time.Now()
	job := &models.Job{
		ID:          uuid.New().String()[:8], // Short ID for convenience
		Type:        jobType,
		Params:      params,
		Status:      models.JobQueued,
		MaxAttempts: m.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, opt := range opts {
		opt(job)
	}

	if m.store != nil {
		if err := m.store.SaveJob(ctx, job.Clone()); err != nil {
			slog.Warn("failed to persist new job", "job_id", job.ID, "error", err)
		}
	}
	m.instruments.JobTransition(ctx, string(jobType), string(models.JobQueued))

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.enqueueLocked(job)
	m.dispatchLocked()

	slog.Info("job created", "job_id", job.ID, "type", jobType, "priority", job.Priority)
	return e.job.Clone(), nil
}

func (m *JobManager) enqueueLocked(job *models.Job) *jobEntry {
	m.seq++
	e := &jobEntry{
		job:     job,
		seq:     m.seq,
		wake:    make(chan struct{}),
		settled: make(chan struct{}),
		backoff: resilience.NewBackoff(m.retry.InitialDelay, m.retry.MaxDelay, m.retry.BackoffMultiplier),
	}
	m.jobs[job.ID] = e
	heap.Push(&m.queue, e)
	return e
}

// dispatchLocked starts queued jobs while slots are free.
func (m *JobManager) dispatchLocked() {
	for m.running < m.concurrency && m.queue.Len() > 0 && m.ctx.Err() == nil {
		e := heap.Pop(&m.queue).(*jobEntry)
		m.setStatusLocked(e, models.JobProcessing)
		started := e.job.UpdatedAt
		e.job.StartedAt = &started
		m.running++
		m.wg.Add(1)
		go m.run(e)
	}
}

func (m *JobManager) setStatusLocked(e *jobEntry, status models.JobStatus) {
	e.job.Status = status
	e.job.UpdatedAt = time.Now()
	if status.Terminal() {
		completed := e.job.UpdatedAt
		e.job.CompletedAt = &completed
	}
	m.instruments.JobTransition(m.ctx, string(e.job.Type), string(status))
}

// settleLocked releases the job's slot and lets the next queued job in.
func (m *JobManager) settleLocked(e *jobEntry) {
	m.running--
	close(e.settled)
	m.dispatchLocked()
}

func (m *JobManager) persist(job *models.Job) error {
	if m.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.store.SaveJob(ctx, job)
	if err != nil && !errors.Is(err, models.ErrJobFinalized) {
		slog.Warn("failed to persist job", "job_id", job.ID, "status", job.Status, "error", err)
	}
	return err
}

// run owns a dispatched job until it settles.
func (m *JobManager) run(e *jobEntry) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if e.job.Status == models.JobCancelled {
			snap := e.job.Clone()
			m.settleLocked(e)
			m.mu.Unlock()
			m.persist(snap)
			slog.Info("job cancelled before dispatch", "job_id", snap.ID)
			return
		}
		e.job.Attempts++
		e.dispatched = true
		handler := m.handlers[e.job.Type]
		snap := e.job.Clone()
		m.mu.Unlock()

		if err := m.persist(snap); errors.Is(err, models.ErrJobFinalized) {
			// Cancelled through the store by another process.
			m.mu.Lock()
			e.job.Attempts--
			e.dispatched = false
			m.setStatusLocked(e, models.JobCancelled)
			m.settleLocked(e)
			m.mu.Unlock()
			slog.Info("job cancelled externally before dispatch", "job_id", snap.ID)
			return
		}
		slog.Info("job attempt started", "job_id", snap.ID, "type", snap.Type, "attempt", snap.Attempts)

		start := time.Now()
		result, err := m.invoke(handler, snap)
		m.instruments.JobAttempt(m.ctx, string(snap.Type), time.Since(start), err != nil)

		if !m.afterAttempt(e, result, err) {
			return
		}
		if !m.waitForRetry(e) {
			return
		}
	}
}

func (m *JobManager) invoke(handler JobHandler, job *models.Job) (result map[string]any, err error) {
	ctx, span := observability.StartSpan(m.ctx, "job."+string(job.Type))
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked", "job_id", job.ID, "panic", r)
			err = fmt.Errorf("internal panic: %v", r)
		}
		observability.EndSpan(span, err)
	}()
	return handler(ctx, job)
}

// afterAttempt records the outcome of an attempt. It reports whether the
// job should be retried.
func (m *JobManager) afterAttempt(e *jobEntry, result map[string]any, err error) bool {
	m.mu.Lock()

	if err == nil {
		e.job.Result = result
		e.job.Error = ""
		m.setStatusLocked(e, models.JobCompleted)
		snap := e.job.Clone()
		m.settleLocked(e)
		m.mu.Unlock()

		m.persist(snap)
		slog.Info("job completed", "job_id", snap.ID, "attempts", snap.Attempts)
		return false
	}

	e.job.Error = err.Error()

	if m.ctx.Err() != nil {
		// Shutdown interrupted the attempt; leave it for ResumeIncomplete.
		snap := e.job.Clone()
		m.settleLocked(e)
		m.mu.Unlock()

		m.persist(snap)
		slog.Warn("job interrupted by shutdown", "job_id", snap.ID, "attempt", snap.Attempts)
		return false
	}

	if resilience.IsRetryable(err) && e.job.Attempts < e.job.MaxAttempts {
		m.setStatusLocked(e, models.JobRetrying)
		e.dispatched = false
		snap := e.job.Clone()
		m.mu.Unlock()

		m.persist(snap)
		slog.Warn("job attempt failed, retrying", "job_id", snap.ID, "attempt", snap.Attempts, "max_attempts", snap.MaxAttempts, "error", err)
		return true
	}

	m.setStatusLocked(e, models.JobFailed)
	snap := e.job.Clone()
	m.settleLocked(e)
	m.mu.Unlock()

	m.persist(snap)
	slog.Error("job failed", "job_id", snap.ID, "attempts", snap.Attempts, "error", err)
	return false
}

// waitForRetry sleeps out the backoff delay. It reports whether the next
// attempt should run; a cancelled job is settled by the caller's loop.
func (m *JobManager) waitForRetry(e *jobEntry) bool {
	m.mu.Lock()
	delay := e.backoff.Next()
	wake := e.wake
	m.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-wake:
	case <-m.ctx.Done():
		m.mu.Lock()
		m.settleLocked(e)
		m.mu.Unlock()
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.job.Status == models.JobRetrying {
		m.setStatusLocked(e, models.JobProcessing)
	}
	return true
}

// GetJob returns a snapshot of the job, or nil if it is unknown.
func (m *JobManager) GetJob(id string) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil
	}
	return e.job.Clone()
}

// ListJobs returns snapshots of all jobs, most recent first.
func (m *JobManager) ListJobs() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := lo.Values(m.jobs)
	slices.SortFunc(entries, func(a, b *jobEntry) int {
		return cmp.Compare(b.seq, a.seq)
	})
	return lo.Map(entries, func(e *jobEntry, _ int) *models.Job { return e.job.Clone() })
}

// JobsByStatus returns snapshots of jobs in the given status, most recent first.
func (m *JobManager) JobsByStatus(status models.JobStatus) []*models.Job {
	return lo.Filter(m.ListJobs(), func(j *models.Job, _ int) bool {
		return j.Status == status
	})
}

// CancelJob cancels a job that has not reached its handler: queued jobs,
// jobs waiting between attempts, and processing jobs not yet dispatched.
// It returns false once the handler runs, for terminal jobs and for
// unknown ids.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	switch {
	case e.job.Status == models.JobQueued:
		heap.Remove(&m.queue, e.index)
		m.setStatusLocked(e, models.JobCancelled)
		close(e.settled)
	case e.job.Status == models.JobRetrying,
		e.job.Status == models.JobProcessing && !e.dispatched:
		// The owning goroutine settles the job at its next checkpoint.
		m.setStatusLocked(e, models.JobCancelled)
		close(e.wake)
	default:
		m.mu.Unlock()
		return false
	}

	snap := e.job.Clone()
	m.mu.Unlock()

	m.persist(snap)
	slog.Info("job cancelled", "job_id", id)
	return true
}

// ClearJobs removes terminal jobs. With completedOnly only completed jobs
// are removed. Live jobs are never removed. It returns the number removed.
func (m *JobManager) ClearJobs(ctx context.Context, completedOnly bool) int {
	m.mu.Lock()
	var ids []string
	for id, e := range m.jobs {
		status := e.job.Status
		if status == models.JobCompleted || (!completedOnly && status.Terminal()) {
			ids = append(ids, id)
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	if m.store != nil && len(ids) > 0 {
		if err := m.store.DeleteJobs(ctx, ids); err != nil {
			slog.Warn("failed to delete cleared jobs", "count", len(ids), "error", err)
		}
	}
	slog.Info("jobs cleared", "count", len(ids), "completed_only", completedOnly)
	return len(ids)
}

// Statistics counts jobs per status.
func (m *JobManager) Statistics() JobStatistics {
	m.mu.Lock()
	counts := lo.CountValuesBy(lo.Values(m.jobs), func(e *jobEntry) models.JobStatus {
		return e.job.Status
	})
	total := len(m.jobs)
	m.mu.Unlock()

	return JobStatistics{
		Queued:     counts[models.JobQueued],
		Processing: counts[models.JobProcessing],
		Retrying:   counts[models.JobRetrying],
		Completed:  counts[models.JobCompleted],
		Failed:     counts[models.JobFailed],
		Cancelled:  counts[models.JobCancelled],
		Total:      total,
	}
}

// WaitForJob blocks until the job settles and returns its final snapshot.
func (m *JobManager) WaitForJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	select {
	case <-e.settled:
		return m.GetJob(id), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResumeIncomplete reloads unfinished jobs from the store and queues them
// again with their attempt counts intact. A job whose attempts are already
// spent is failed instead.
func (m *JobManager) ResumeIncomplete(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	stored, err := m.store.IncompleteJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load incomplete jobs: %w", err)
	}
	if len(stored) == 0 {
		slog.Info("no incomplete jobs to resume")
		return 0, nil
	}

	m.mu.Lock()
	resumed := 0
	var exhausted []*models.Job
	for _, job := range stored {
		if _, exists := m.jobs[job.ID]; exists {
			continue
		}
		if _, ok := m.handlers[job.Type]; !ok {
			slog.Warn("skipping job without handler", "job_id", job.ID, "type", job.Type)
			continue
		}
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = m.maxAttempts
		}
		if job.Attempts >= job.MaxAttempts {
			// Interrupted during its last attempt; the budget is spent.
			e := m.trackSettledLocked(job, models.JobFailed)
			if e.job.Error == "" {
				e.job.Error = "interrupted during final attempt"
			}
			exhausted = append(exhausted, e.job.Clone())
			slog.Warn("not resuming job with exhausted attempts", "job_id", job.ID, "attempts", job.Attempts)
			continue
		}
		job.Status = models.JobQueued
		job.UpdatedAt = time.Now()
		m.enqueueLocked(job)
		resumed++
		slog.Info("resuming job", "job_id", job.ID, "type", job.Type, "attempts", job.Attempts)
	}
	m.dispatchLocked()
	m.mu.Unlock()

	for _, job := range exhausted {
		_ = m.persist(job)
	}
	return resumed, nil
}

// trackSettledLocked registers a job that is already terminal.
func (m *JobManager) trackSettledLocked(job *models.Job, status models.JobStatus) *jobEntry {
	m.seq++
	e := &jobEntry{
		job:     job,
		seq:     m.seq,
		wake:    make(chan struct{}),
		settled: make(chan struct{}),
		index:   -1,
	}
	m.setStatusLocked(e, status)
	close(e.settled)
	m.jobs[job.ID] = e
	return e
}

// Close stops dispatching, interrupts retry waits and handlers, and waits
// for job goroutines to return or ctx to expire.
func (m *JobManager) Close(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
