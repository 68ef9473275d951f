package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, concurrency int, store JobStore) *JobManager {
	t.Helper()
	m := NewJobManager(JobManagerConfig{
		Concurrency: concurrency,
		MaxAttempts: 3,
		Retry:       fastRetry(3),
	}, store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func waitJob(t *testing.T, m *JobManager, id string) *models.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := m.WaitForJob(ctx, id)
	require.NoError(t, err)
	return job
}

// blocker is a handler that signals when it starts and waits for release.
type blocker struct {
	started chan string
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan string, 16), release: make(chan struct{})}
}

func (b *blocker) handle(ctx context.Context, job *models.Job) (map[string]any, error) {
	b.started <- job.ID
	select {
	case <-b.release:
		return map[string]any{"ok": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCreateJobInitialStatus(t *testing.T) {
	m := newTestManager(t, 1, nil)
	b := newBlocker()
	defer close(b.release)
	m.RegisterHandler(models.JobSyncSource, b.handle)

	ctx := context.Background()
	first, err := m.CreateJob(ctx, models.JobSyncSource, map[string]any{"source_item_id": "a"})
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, first.Status)
	assert.Len(t, first.ID, 8)

	second, err := m.CreateJob(ctx, models.JobSyncSource, map[string]any{"source_item_id": "b"})
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, second.Status)
	assert.Equal(t, 3, second.MaxAttempts)
}

func TestCreateJobValidation(t *testing.T) {
	m := newTestManager(t, 1, nil)
	m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		return nil, nil
	})
	m.RegisterHandler(models.JobDeleteVectors, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		return nil, nil
	})

	tests := []struct {
		name    string
		jobType models.JobType
		params  map[string]any
		wantErr bool
	}{
		{"unknown type", models.JobType("RESIZE_IMAGE"), map[string]any{}, true},
		{"missing text", models.JobCreateVector, map[string]any{"namespace": "docs"}, true},
		{"empty text", models.JobCreateVector, map[string]any{"text": ""}, true},
		{"text present", models.JobCreateVector, map[string]any{"text": "hello"}, false},
		{"delete without target", models.JobDeleteVectors, map[string]any{}, true},
		{"delete by ids", models.JobDeleteVectors, map[string]any{"ids": []string{"v1"}}, false},
		{"delete by source", models.JobDeleteVectors, map[string]any{"source_item_id": "doc"}, false},
		{"no handler registered", models.JobSyncSource, map[string]any{"source_item_id": "doc"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := m.CreateJob(context.Background(), tt.jobType, tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, resilience.ErrValidation)
				assert.Nil(t, job)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, job)
		})
	}
}

func TestCancelJob(t *testing.T) {
	t.Run("queued job", func(t *testing.T) {
		m := newTestManager(t, 1, nil)
		b := newBlocker()
		m.RegisterHandler(models.JobSyncSource, b.handle)
		ctx := context.Background()

		running, _ := m.CreateJob(ctx, models.JobSyncSource, map[string]any{"source_item_id": "a"})
		queued, _ := m.CreateJob(ctx, models.JobSyncSource, map[string]any{"source_item_id": "b"})
		require.Equal(t, models.JobQueued, queued.Status)

		assert.True(t, m.CancelJob(queued.ID))
		assert.Equal(t, models.JobCancelled, m.GetJob(queued.ID).Status)
		assert.NotNil(t, m.GetJob(queued.ID).CompletedAt)

		close(b.release)
		assert.Equal(t, models.JobCompleted, waitJob(t, m, running.ID).Status)

		// The cancelled job never reached its handler.
		assert.Equal(t, running.ID, <-b.started)
		assert.Empty(t, b.started)
		assert.False(t, m.CancelJob(queued.ID))
	})

	t.Run("dispatched job", func(t *testing.T) {
		m := newTestManager(t, 1, nil)
		b := newBlocker()
		m.RegisterHandler(models.JobSyncSource, b.handle)

		job, _ := m.CreateJob(context.Background(), models.JobSyncSource, map[string]any{"source_item_id": "a"})
		<-b.started
		assert.False(t, m.CancelJob(job.ID))

		close(b.release)
		assert.Equal(t, models.JobCompleted, waitJob(t, m, job.ID).Status)
	})

	t.Run("completed job", func(t *testing.T) {
		m := newTestManager(t, 1, nil)
		m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
			return map[string]any{"vector_id": "v1"}, nil
		})

		job, _ := m.CreateJob(context.Background(), models.JobCreateVector, map[string]any{"text": "x"})
		done := waitJob(t, m, job.ID)
		require.Equal(t, models.JobCompleted, done.Status)
		assert.Equal(t, "v1", done.Result["vector_id"])
		assert.False(t, m.CancelJob(job.ID))
	})

	t.Run("unknown job", func(t *testing.T) {
		m := newTestManager(t, 1, nil)
		assert.False(t, m.CancelJob("missing"))
	})

	t.Run("retrying job", func(t *testing.T) {
		m := NewJobManager(JobManagerConfig{
			Concurrency: 1,
			MaxAttempts: 3,
			Retry:       resilience.RetryConfig{InitialDelay: time.Hour},
		}, nil)
		defer m.Close(context.Background())

		var calls atomic.Int32
		m.RegisterHandler(models.JobSyncSource, func(ctx context.Context, job *models.Job) (map[string]any, error) {
			calls.Add(1)
			return nil, errUnavailable
		})

		job, _ := m.CreateJob(context.Background(), models.JobSyncSource, map[string]any{"source_item_id": "a"})
		require.Eventually(t, func() bool {
			return m.GetJob(job.ID).Status == models.JobRetrying
		}, 2*time.Second, time.Millisecond)

		assert.True(t, m.CancelJob(job.ID))
		final := waitJob(t, m, job.ID)
		assert.Equal(t, models.JobCancelled, final.Status)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestJobPriorityOrder(t *testing.T) {
	m := newTestManager(t, 1, nil)
	b := newBlocker()
	m.RegisterHandler(models.JobSyncSource, b.handle)

	var mu sync.Mutex
	var order []string
	m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		mu.Lock()
		order = append(order, job.Params["text"].(string))
		mu.Unlock()
		return nil, nil
	})

	ctx := context.Background()
	first, _ := m.CreateJob(ctx, models.JobSyncSource, map[string]any{"source_item_id": "a"})
	<-b.started

	low1, _ := m.CreateJob(ctx, models.JobCreateVector, map[string]any{"text": "low-1"})
	high, _ := m.CreateJob(ctx, models.JobCreateVector, map[string]any{"text": "high"}, WithPriority(10))
	low2, _ := m.CreateJob(ctx, models.JobCreateVector, map[string]any{"text": "low-2"})

	close(b.release)
	for _, j := range []*models.Job{first, low1, high, low2} {
		waitJob(t, m, j.ID)
	}
	assert.Equal(t, []string{"high", "low-1", "low-2"}, order)
}

func TestJobRetries(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		store := newFakeJobStore()
		m := newTestManager(t, 2, store)
		var calls atomic.Int32
		m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
			if calls.Add(1) < 3 {
				return nil, errUnavailable
			}
			return map[string]any{"vector_id": "v1"}, nil
		})

		job, _ := m.CreateJob(context.Background(), models.JobCreateVector, map[string]any{"text": "x"})
		final := waitJob(t, m, job.ID)

		assert.Equal(t, models.JobCompleted, final.Status)
		assert.Equal(t, 3, final.Attempts)
		assert.Empty(t, final.Error)
		assert.Contains(t, store.history(job.ID), models.JobRetrying)
		assert.Equal(t, models.JobCompleted, store.history(job.ID)[len(store.history(job.ID))-1])
	})

	t.Run("exhausted attempts fail", func(t *testing.T) {
		m := newTestManager(t, 1, nil)
		m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
			return nil, errUnavailable
		})

		job, _ := m.CreateJob(context.Background(), models.JobCreateVector, map[string]any{"text": "x"}, WithMaxAttempts(2))
		final := waitJob(t, m, job.ID)

		assert.Equal(t, models.JobFailed, final.Status)
		assert.Equal(t, 2, final.Attempts)
		assert.Contains(t, final.Error, "service unavailable")
		assert.Nil(t, final.Result)
	})

	t.Run("validation errors fail immediately", func(t *testing.T) {
		m := newTestManager(t, 1, nil)
		m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
			return nil, resilience.ValidationError("text is required")
		})

		job, _ := m.CreateJob(context.Background(), models.JobCreateVector, map[string]any{"text": "  "})
		final := waitJob(t, m, job.ID)

		assert.Equal(t, models.JobFailed, final.Status)
		assert.Equal(t, 1, final.Attempts)
		assert.Equal(t, "validation error: text is required", final.Error)
	})

	t.Run("panics fail the job", func(t *testing.T) {
		m := newTestManager(t, 1, nil)
		m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
			panic("boom")
		})

		job, _ := m.CreateJob(context.Background(), models.JobCreateVector, map[string]any{"text": "x"})
		final := waitJob(t, m, job.ID)
		assert.Equal(t, models.JobFailed, final.Status)
		assert.Equal(t, "internal panic: boom", final.Error)
	})
}

func TestJobConcurrencyCap(t *testing.T) {
	m := newTestManager(t, 2, nil)
	var running, peak atomic.Int32
	m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})

	var ids []string
	for range 6 {
		job, err := m.CreateJob(context.Background(), models.JobCreateVector, map[string]any{"text": "x"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitJob(t, m, id)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 6, m.Statistics().Completed)
}

func TestStatisticsAndClear(t *testing.T) {
	store := newFakeJobStore()
	m := newTestManager(t, 1, store)
	b := newBlocker()
	m.RegisterHandler(models.JobSyncSource, b.handle)
	m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		if job.Params["text"] == "bad" {
			return nil, errors.New("rejected")
		}
		return nil, nil
	})

	ctx := context.Background()
	ok, _ := m.CreateJob(ctx, models.JobCreateVector, map[string]any{"text": "good"})
	waitJob(t, m, ok.ID)
	bad, _ := m.CreateJob(ctx, models.JobCreateVector, map[string]any{"text": "bad"})
	waitJob(t, m, bad.ID)

	running, _ := m.CreateJob(ctx, models.JobSyncSource, map[string]any{"source_item_id": "a"})
	<-b.started
	queued, _ := m.CreateJob(ctx, models.JobSyncSource, map[string]any{"source_item_id": "b"})

	stats := m.Statistics()
	assert.Equal(t, JobStatistics{Queued: 1, Processing: 1, Completed: 1, Failed: 1, Total: 4}, stats)
	assert.Len(t, m.JobsByStatus(models.JobFailed), 1)
	assert.Equal(t, queued.ID, m.ListJobs()[0].ID)

	assert.Equal(t, 1, m.ClearJobs(ctx, true))
	assert.Nil(t, m.GetJob(ok.ID))
	assert.NotNil(t, m.GetJob(bad.ID))

	assert.Equal(t, 1, m.ClearJobs(ctx, false))
	assert.Nil(t, m.GetJob(bad.ID))
	assert.NotNil(t, m.GetJob(running.ID))
	assert.ElementsMatch(t, []string{ok.ID, bad.ID}, store.deleted)

	close(b.release)
	waitJob(t, m, running.ID)
	waitJob(t, m, queued.ID)
}

func TestResumeIncomplete(t *testing.T) {
	store := newFakeJobStore()
	now := time.Now()
	_ = store.SaveJob(context.Background(), &models.Job{
		ID: "aaaa1111", Type: models.JobCreateVector, Params: map[string]any{"text": "x"},
		Status: models.JobRetrying, Attempts: 1, MaxAttempts: 3, CreatedAt: now,
	})
	_ = store.SaveJob(context.Background(), &models.Job{
		ID: "bbbb2222", Type: models.JobCreateVector, Params: map[string]any{"text": "y"},
		Status: models.JobCompleted, Attempts: 1, MaxAttempts: 3, CreatedAt: now,
	})

	m := newTestManager(t, 1, store)
	m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		return map[string]any{"attempt": job.Attempts}, nil
	})

	n, err := m.ResumeIncomplete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := waitJob(t, m, "aaaa1111")
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Nil(t, m.GetJob("bbbb2222"))
}

func TestResumeIncompleteExhaustedAttempts(t *testing.T) {
	store := newFakeJobStore()
	_ = store.SaveJob(context.Background(), &models.Job{
		ID: "cccc3333", Type: models.JobCreateVector, Params: map[string]any{"text": "x"},
		Status: models.JobProcessing, Attempts: 3, MaxAttempts: 3, CreatedAt: time.Now(),
	})

	m := newTestManager(t, 1, store)
	var calls atomic.Int32
	m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})

	n, err := m.ResumeIncomplete(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	final := waitJob(t, m, "cccc3333")
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, 3, final.Attempts)
	assert.NotEmpty(t, final.Error)
	assert.NotNil(t, final.CompletedAt)
	assert.Zero(t, calls.Load())

	stored := store.get("cccc3333")
	require.NotNil(t, stored)
	assert.Equal(t, models.JobFailed, stored.Status)
}

func TestJobCancelledThroughStore(t *testing.T) {
	store := newFakeJobStore()
	m := NewJobManager(JobManagerConfig{
		Concurrency: 1,
		MaxAttempts: 3,
		Retry:       resilience.RetryConfig{InitialDelay: 300 * time.Millisecond},
	}, store)
	defer m.Close(context.Background())

	var calls atomic.Int32
	m.RegisterHandler(models.JobSyncSource, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		calls.Add(1)
		return nil, errUnavailable
	})

	job, err := m.CreateJob(context.Background(), models.JobSyncSource, map[string]any{"source_item_id": "a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return store.cancel(job.ID)
	}, 250*time.Millisecond, time.Millisecond)

	final := waitJob(t, m, job.ID)
	assert.Equal(t, models.JobCancelled, final.Status)
	assert.Equal(t, 1, final.Attempts)
	assert.Equal(t, int32(1), calls.Load())

	// The stored row never left the cancelled status.
	assert.Equal(t, models.JobCancelled, store.get(job.ID).Status)
	history := store.history(job.ID)
	assert.Equal(t, models.JobCancelled, history[len(history)-1])
}

func TestCreateJobAfterClose(t *testing.T) {
	m := NewJobManager(JobManagerConfig{}, nil)
	m.RegisterHandler(models.JobCreateVector, func(ctx context.Context, job *models.Job) (map[string]any, error) {
		return nil, nil
	})
	require.NoError(t, m.Close(context.Background()))

	_, err := m.CreateJob(context.Background(), models.JobCreateVector, map[string]any{"text": "x"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}
