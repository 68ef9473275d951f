package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPoll(maxPolls int) PollConfig {
	return PollConfig{MaxPolls: maxPolls, Interval: time.Millisecond, Multiplier: 1}
}

func TestRuntimeRunsWorkflow(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), nil)
	defer rt.Close()

	rt.Register("double", func(ctx context.Context, ex *Executor, input map[string]any) (map[string]any, error) {
		n, err := ExecuteStep(ctx, ex, "double", func(ctx context.Context) (int, error) {
			return input["n"].(int) * 2, nil
		}, StepOptions{Critical: true})
		if err != nil {
			return nil, err
		}
		return map[string]any{"n": n}, nil
	})

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, "double", "run-1", map[string]any{"n": 21}))

	out, err := AwaitRun(ctx, rt, "run-1", fastPoll(1000))
	require.NoError(t, err)
	assert.Equal(t, 42, out["n"])

	st, err := rt.Status(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunComplete, st.State)
}

func TestRuntimeStartIsIdempotent(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), nil)
	defer rt.Close()

	var runs atomic.Int32
	rt.Register("count", func(ctx context.Context, ex *Executor, input map[string]any) (map[string]any, error) {
		runs.Add(1)
		return nil, nil
	})

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, "count", "run-1", nil))
	_, err := rt.Wait(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, rt.Start(ctx, "count", "run-1", nil))
	assert.Equal(t, int32(1), runs.Load())
}

func TestRuntimeRestartResumesErroredRun(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), nil)
	defer rt.Close()

	var fetches, embeds atomic.Int32
	rt.Register("sync", func(ctx context.Context, ex *Executor, input map[string]any) (map[string]any, error) {
		_, err := ExecuteStep(ctx, ex, "fetch", func(ctx context.Context) (string, error) {
			fetches.Add(1)
			return "doc", nil
		}, StepOptions{Critical: true})
		if err != nil {
			return nil, err
		}
		_, err = ExecuteStep(ctx, ex, "embed", func(ctx context.Context) (int, error) {
			if embeds.Add(1) == 1 {
				return 0, errors.New("embedder down")
			}
			return 3, nil
		}, StepOptions{Critical: true})
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, "sync", "run-1", nil))
	_, err := AwaitRun(ctx, rt, "run-1", fastPoll(1000))

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Contains(t, runErr.Message, "embedder down")
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "embed", stepErr.Step)

	require.NoError(t, rt.Start(ctx, "sync", "run-1", nil))
	out, err := AwaitRun(ctx, rt, "run-1", fastPoll(1000))
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])

	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, int32(2), embeds.Load())
}

func TestRuntimeRecoversPanics(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), nil)
	defer rt.Close()

	rt.Register("panics", func(ctx context.Context, ex *Executor, input map[string]any) (map[string]any, error) {
		panic("nil map")
	})

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, "panics", "run-1", nil))
	st, err := rt.Wait(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunErrored, st.State)
	assert.Equal(t, "internal panic: nil map", st.Error)
}

func TestRuntimeStartValidation(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), nil)
	ctx := context.Background()

	err := rt.Start(ctx, "missing", "run-1", nil)
	assert.ErrorIs(t, err, resilience.ErrValidation)

	_, err = rt.Status(ctx, "run-1")
	assert.ErrorIs(t, err, ErrUnknownRun)

	rt.Register("noop", func(ctx context.Context, ex *Executor, input map[string]any) (map[string]any, error) {
		return nil, nil
	})
	rt.Close()
	assert.Error(t, rt.Start(ctx, "noop", "run-2", nil))
}

func TestAwaitRunTimesOut(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), nil)
	release := make(chan struct{})
	defer func() {
		close(release)
		rt.Close()
	}()

	rt.Register("blocked", func(ctx context.Context, ex *Executor, input map[string]any) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, "blocked", "run-1", nil))

	_, err := AwaitRun(ctx, rt, "run-1", fastPoll(3))

	var timeoutErr *resilience.WorkflowTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 3, timeoutErr.Polls)
	assert.True(t, resilience.IsRetryable(err))
}

func TestAwaitRunUnknownRun(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), nil)
	defer rt.Close()

	_, err := AwaitRun(context.Background(), rt, "nope", fastPoll(3))
	assert.ErrorIs(t, err, ErrUnknownRun)
}
