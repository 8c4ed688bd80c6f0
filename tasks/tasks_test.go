package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(context.Background(), cfg)
}

func TestCompletedTask(t *testing.T) {
	m := newManager(t, Config{})

	task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		report(Progress{Current: 1, Total: 2})
		return "done", nil
	}, map[string]string{"origin": "test"})
	require.NoError(t, err)

	got, err := m.WaitForTask(context.Background(), task.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, "done", got.Result)
	assert.Nil(t, got.Err)
	require.NotNil(t, got.Progress)
	assert.Equal(t, float64(1), got.Progress.Current)
}

func TestFailedTask(t *testing.T) {
	m := newManager(t, Config{})

	task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		return nil, errors.New("boom")
	}, nil)
	require.NoError(t, err)

	got, err := m.WaitForTask(context.Background(), task.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	require.NotNil(t, got.Err)
	assert.Equal(t, "failed", got.Err.Kind)
	assert.Contains(t, got.Err.Message, "boom")
}

func TestPanickingExecutorIsRecordedAsFailed(t *testing.T) {
	m := newManager(t, Config{})

	task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		panic("kaboom")
	}, nil)
	require.NoError(t, err)

	got, err := m.WaitForTask(context.Background(), task.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Err.Message, "kaboom")
}

func TestFIFOPromotionUnderCeiling(t *testing.T) {
	m := newManager(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	taskA, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		<-release
		return "a", nil
	}, nil)
	require.NoError(t, err)

	taskB, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		return "b", nil
	}, nil)
	require.NoError(t, err)

	// B stays pending while A occupies the only slot.
	require.Eventually(t, func() bool {
		got, err := m.GetTask(taskA.ID)
		return err == nil && got.State == StateRunning
	}, time.Second, time.Millisecond)
	got, err := m.GetTask(taskB.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)

	close(release)

	gotB, err := m.WaitForTask(context.Background(), taskB.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, gotB.State)
}

func TestConcurrencyCeilingIsNeverExceeded(t *testing.T) {
	const ceiling = 3
	m := newManager(t, Config{MaxConcurrent: ceiling})

	var concurrent, peak atomic.Int64
	var ids []string
	for i := 0; i < 12; i++ {
		task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
			n := concurrent.Add(1)
			defer concurrent.Add(-1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		}, nil)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	for _, id := range ids {
		_, err := m.WaitForTask(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int64(ceiling))
}

func TestCancelPendingTask(t *testing.T) {
	m := newManager(t, Config{MaxConcurrent: 1})

	block := make(chan struct{})
	defer close(block)
	_, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		<-block
		return nil, nil
	}, nil)
	require.NoError(t, err)

	pending, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, m.CancelTask(pending.ID, "no longer needed"))

	got, err := m.GetTask(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "cancelled", got.Err.Kind)
	assert.Equal(t, "no longer needed", got.Err.Message)

	// Terminal states reject further cancellation.
	assert.ErrorIs(t, m.CancelTask(pending.ID, "again"), ErrAlreadyTerminal)
}

func TestCooperativeCancelOfRunningTask(t *testing.T) {
	m := newManager(t, Config{})

	task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.GetTask(task.ID)
		return got.State == StateRunning
	}, time.Second, time.Millisecond)

	require.NoError(t, m.CancelTask(task.ID, "user abort"))

	got, err := m.WaitForTask(context.Background(), task.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "cancelled", got.Err.Kind)
	assert.Equal(t, "user abort", got.Err.Message)
}

func TestTimeoutCancelsWithDistinguishingReason(t *testing.T) {
	m := newManager(t, Config{Timeout: 30 * time.Millisecond})

	task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)

	got, err := m.WaitForTask(context.Background(), task.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State, "timeout shares the cancelled state")
	require.NotNil(t, got.Err)
	assert.Equal(t, "timeout", got.Err.Kind, "but carries a distinguishing reason")
}

func TestWatchdogSettlesUncooperativeExecutor(t *testing.T) {
	m := newManager(t, Config{Timeout: 20 * time.Millisecond, MaxConcurrent: 1})

	hang := make(chan struct{})
	defer close(hang)
	task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		<-hang // ignores ctx entirely
		return nil, nil
	}, nil)
	require.NoError(t, err)

	got, err := m.WaitForTask(context.Background(), task.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)

	// The slot is released: a follow-up task can run.
	next, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)
	_, err = m.WaitForTask(context.Background(), next.ID, time.Second)
	assert.NoError(t, err)
}

func TestWaitForTaskTimeout(t *testing.T) {
	m := newManager(t, Config{})

	block := make(chan struct{})
	defer close(block)
	task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		<-block
		return nil, nil
	}, nil)
	require.NoError(t, err)

	_, err = m.WaitForTask(context.Background(), task.ID, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	_, err = m.WaitForTask(context.Background(), "task-unknown", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepDeletesOldTerminalTasks(t *testing.T) {
	m := newManager(t, Config{Retention: 10 * time.Millisecond})

	task, err := m.CreateTask(func(ctx context.Context, report ReportFunc) (any, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)
	_, err = m.WaitForTask(context.Background(), task.ID, time.Second)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, m.Sweep())

	_, err = m.GetTask(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
