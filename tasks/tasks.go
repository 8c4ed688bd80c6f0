// Package tasks runs asynchronous, cancellable units of work with bounded
// concurrency. Tasks are promoted from pending to running in FIFO submission
// order whenever the running count is below the configured ceiling. A
// watchdog forcibly transitions tasks that outlive their timeout; the
// underlying executor is cancelled cooperatively and may keep running in the
// background if it ignores the signal, but its bookkeeping is settled.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var (
	// ErrNotFound is returned for unknown task IDs.
	ErrNotFound = errors.New("tasks: not found")
	// ErrWaitTimeout is returned when WaitForTask's timeout elapses first.
	ErrWaitTimeout = errors.New("tasks: wait timed out")
	// ErrAlreadyTerminal is returned when cancelling a finished task.
	ErrAlreadyTerminal = errors.New("tasks: already terminal")
)

// Cancellation reasons surfaced in the task error. Timeout-triggered
// cancellation shares the cancelled state but carries a distinguishing reason.
const (
	ReasonTimeout = "deadline exceeded"
)

// Progress is a task's progress record.
type Progress struct {
	Current float64
	Total   float64
	Message string
}

// TaskError is the structured failure record of a task.
type TaskError struct {
	Kind    string // "failed", "cancelled", "timeout"
	Message string
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Task is a snapshot of one unit of work.
type Task struct {
	ID        string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
	Progress  *Progress
	Result    any
	Err       *TaskError
	Metadata  map[string]string
}

// ReportFunc lets an executor publish progress.
type ReportFunc func(p Progress)

// Executor performs the work of a task. It must honor ctx for cooperative
// cancellation; returning ctx's error records the task as cancelled rather
// than failed.
type Executor func(ctx context.Context, report ReportFunc) (any, error)

// ProgressListener observes progress updates, advisory only.
type ProgressListener func(taskID string, p Progress)

// Config sizes the manager.
type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	// Retention is how long terminal tasks stay queryable before the sweep
	// deletes them.
	Retention     time.Duration
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 8
	}
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	if out.Retention <= 0 {
		out.Retention = 5 * time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

type taskEntry struct {
	task     Task
	executor Executor
	cancel   context.CancelCauseFunc
	watchdog *time.Timer
	done     chan struct{}
}

// Manager owns the task table. Safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	log        *slog.Logger
	tasks      map[string]*taskEntry
	queue      []string // pending task IDs, FIFO
	running    int
	baseCtx    context.Context
	onProgress ProgressListener
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the wall clock. Test seam.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithProgressListener registers the advisory progress listener.
func WithProgressListener(fn ProgressListener) Option {
	return func(m *Manager) { m.onProgress = fn }
}

// NewManager constructs a Manager. Executors inherit cancellation from
// baseCtx in addition to their per-task timeout.
func NewManager(baseCtx context.Context, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		tasks:   make(map[string]*taskEntry),
		baseCtx: baseCtx,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the retention sweep until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// CreateTask stores the task and promotes it immediately when running
// capacity permits; otherwise it waits pending in FIFO order.
func (m *Manager) CreateTask(executor Executor, metadata map[string]string) (Task, error) {
	if executor == nil {
		return Task{}, errors.New("tasks: nil executor")
	}

	m.mu.Lock()
	now := m.now()
	e := &taskEntry{
		task: Task{
			ID:        "task-" + uuid.NewString(),
			State:     StatePending,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  metadata,
		},
		executor: executor,
		done:     make(chan struct{}),
	}
	m.tasks[e.task.ID] = e
	m.queue = append(m.queue, e.task.ID)
	m.promoteLocked()
	snapshot := e.task
	m.mu.Unlock()

	return snapshot, nil
}

// promoteLocked starts pending tasks in FIFO order while below the ceiling.
func (m *Manager) promoteLocked() {
	for m.running < m.cfg.MaxConcurrent && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		e, ok := m.tasks[id]
		if !ok || e.task.State != StatePending {
			continue
		}
		m.running++
		e.task.State = StateRunning
		e.task.UpdatedAt = m.now()

		ctx, cancel := context.WithCancelCause(m.baseCtx)
		e.cancel = cancel
		// The watchdog forces the bookkeeping transition even if the
		// executor never observes the cancellation signal.
		e.watchdog = time.AfterFunc(m.cfg.Timeout, func() {
			cancel(errors.New(ReasonTimeout))
			m.finalize(id, StateCancelled, nil, &TaskError{Kind: "timeout", Message: ReasonTimeout})
		})

		go m.run(ctx, id, e)
	}
}

func (m *Manager) run(ctx context.Context, id string, e *taskEntry) {
	report := func(p Progress) {
		m.mu.Lock()
		if e.task.State == StateRunning {
			cp := p
			e.task.Progress = &cp
			e.task.UpdatedAt = m.now()
		}
		m.mu.Unlock()
		if m.onProgress != nil {
			m.onProgress(id, p)
		}
	}

	result, err := m.runExecutor(ctx, e.executor, report)

	switch {
	case err == nil:
		m.finalize(id, StateCompleted, result, nil)
	case ctx.Err() != nil:
		reason := context.Cause(ctx).Error()
		kind := "cancelled"
		if reason == ReasonTimeout {
			kind = "timeout"
		}
		m.finalize(id, StateCancelled, nil, &TaskError{Kind: kind, Message: reason})
	default:
		m.finalize(id, StateFailed, nil, &TaskError{Kind: "failed", Message: err.Error()})
	}
}

// runExecutor isolates executor panics so a misbehaving task is recorded as
// failed instead of crashing the manager.
func (m *Manager) runExecutor(ctx context.Context, fn Executor, report ReportFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return fn(ctx, report)
}

// finalize performs the terminal transition exactly once, releases the
// running slot, and promotes the next pending task.
func (m *Manager) finalize(id string, state State, result any, taskErr *TaskError) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok || e.task.State.Terminal() {
		m.mu.Unlock()
		return
	}
	wasRunning := e.task.State == StateRunning
	e.task.State = state
	e.task.Result = result
	e.task.Err = taskErr
	e.task.UpdatedAt = m.now()
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	if e.cancel != nil {
		e.cancel(nil)
	}
	close(e.done)
	if wasRunning {
		m.running--
		m.promoteLocked()
	}
	m.mu.Unlock()

	m.log.Debug("tasks.finalize", slog.String("task_id", id), slog.String("state", string(state)))
}

// CancelTask signals a running task's executor to stop, or immediately marks
// a pending task cancelled. Cancellation of running work is cooperative: the
// state transition happens when the executor honors the signal or when the
// watchdog fires, whichever comes first.
func (m *Manager) CancelTask(id, reason string) error {
	if reason == "" {
		reason = "cancelled by caller"
	}

	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	switch e.task.State {
	case StatePending:
		m.mu.Unlock()
		m.finalize(id, StateCancelled, nil, &TaskError{Kind: "cancelled", Message: reason})
		return nil
	case StateRunning:
		cancel := e.cancel
		m.mu.Unlock()
		cancel(errors.New(reason))
		return nil
	default:
		m.mu.Unlock()
		return ErrAlreadyTerminal
	}
}

// GetTask returns a snapshot of the task.
func (m *Manager) GetTask(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return e.task, nil
}

// WaitForTask suspends the caller until the task reaches a terminal state or
// the wait timeout elapses. A non-positive timeout waits until ctx is done.
func (m *Manager) WaitForTask(ctx context.Context, id string, timeout time.Duration) (Task, error) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return Task{}, ErrNotFound
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.done:
		return m.GetTask(id)
	case <-expired:
		return Task{}, ErrWaitTimeout
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Sweep deletes terminal tasks older than the retention window. Returns the
// number deleted.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	deleted := 0
	for id, e := range m.tasks {
		if e.task.State.Terminal() && now.Sub(e.task.UpdatedAt) > m.cfg.Retention {
			delete(m.tasks, id)
			deleted++
		}
	}
	return deleted
}

// Stats is a point-in-time census of the task table.
type Stats struct {
	Pending int
	Running int
	Total   int
}

// Stats returns a census of the task table.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := 0
	for _, e := range m.tasks {
		if e.task.State == StatePending {
			pending++
		}
	}
	return Stats{Pending: pending, Running: m.running, Total: len(m.tasks)}
}
