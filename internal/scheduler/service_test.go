package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localq/internal/domain"
	"localq/internal/eventbus"
	"localq/internal/worker"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) record(e domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ string) (domain.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return domain.Event{}, false
}

func testConfig() Config {
	return Config{
		Workers:       2,
		PollInterval:  10 * time.Millisecond,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		StopTimeout:   2 * time.Second,
	}
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) (*Scheduler, *worker.Registry, *recorder) {
	t.Helper()
	reg := worker.NewRegistry()
	bus := eventbus.New(zerolog.Nop())
	rec := &recorder{}
	bus.Subscribe("recorder", rec.record)
	s := New(cfg, reg, bus, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	t.Cleanup(func() { _ = s.Stop(false) })
	return s, reg, rec
}

func waitStatus(t *testing.T, s *Scheduler, id string, want domain.Status) domain.TaskSnapshot {
	t.Helper()
	var snap domain.TaskSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = s.Task(id)
		return err == nil && snap.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s (last %s)", id, want, snap.Status)
	return snap
}

func TestStartIsIdempotent(t *testing.T) {
	s, _, rec := newTestScheduler(t, testConfig())
	assert.Equal(t, StateStopped, s.State())

	started, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	started, err = s.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StateRunning, s.State())

	require.NoError(t, s.Stop(true))
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Stop(true))

	assert.Equal(t, 1, rec.count(domain.EventSchedulerStarted))
	assert.Equal(t, 1, rec.count(domain.EventSchedulerStopped))
}

func TestStartFailsWithoutRegistry(t *testing.T) {
	s := New(testConfig(), nil, nil)
	_, err := s.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateStopped, s.State())
}

func TestCompletedTaskEmitsEvent(t *testing.T) {
	s, reg, rec := newTestScheduler(t, testConfig())
	require.NoError(t, reg.Register("ok", worker.HandlerFunc(func(context.Context, json.RawMessage) error { return nil })))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	snap, err := s.Submit(s.NewTask("ok", json.RawMessage(`{"a":1}`), domain.PriorityNormal))
	require.NoError(t, err)

	done := waitStatus(t, s, snap.ID, domain.StatusCompleted)
	assert.Equal(t, 1, done.Attempts)
	assert.False(t, done.CompletedAt.IsZero())
	require.Eventually(t, func() bool { return rec.count(domain.EventTaskCompleted) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(domain.EventTaskStarted))
}

func TestFailingHandlerExhaustsRetries(t *testing.T) {
	s, reg, rec := newTestScheduler(t, testConfig())
	var calls atomic.Int32
	require.NoError(t, reg.Register("boom", worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("always broken")
	})))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	task := s.NewTask("boom", nil, domain.PriorityNormal)
	task.MaxRetries = 2
	_, err = s.Submit(task)
	require.NoError(t, err)

	snap := waitStatus(t, s, task.ID, domain.StatusFailed)
	time.Sleep(30 * time.Millisecond)

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 3, snap.Attempts)
	assert.Equal(t, 2, snap.RetryCount)
	assert.Contains(t, snap.LastError, "always broken")
	assert.Equal(t, 2, rec.count(domain.EventTaskRetrying))
	assert.Equal(t, 1, rec.count(domain.EventTaskFailed))

	ev, ok := rec.last(domain.EventTaskFailed)
	require.True(t, ok)
	assert.Equal(t, task.ID, ev.TaskID)
	assert.Contains(t, ev.Reason, "always broken")
}

func TestDequeueOrderFollowsPriority(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	s, reg, _ := newTestScheduler(t, cfg)

	var (
		mu    sync.Mutex
		order []string
	)
	require.NoError(t, reg.Register("rec", worker.HandlerFunc(func(_ context.Context, p json.RawMessage) error {
		mu.Lock()
		order = append(order, string(p))
		mu.Unlock()
		return nil
	})))

	var ids []string
	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityCritical, domain.PriorityNormal} {
		snap, err := s.Submit(s.NewTask("rec", json.RawMessage(`"`+p.String()+`"`), p))
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	for _, id := range ids {
		waitStatus(t, s, id, domain.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"critical"`, `"normal"`, `"low"`}, order)
}

func TestHandlerTimeoutIsRetriedThenFails(t *testing.T) {
	s, reg, _ := newTestScheduler(t, testConfig())
	var calls atomic.Int32
	require.NoError(t, reg.Register("slow", worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	task := s.NewTask("slow", nil, domain.PriorityHigh)
	task.Timeout = 20 * time.Millisecond
	task.MaxRetries = 1
	_, err = s.Submit(task)
	require.NoError(t, err)

	snap := waitStatus(t, s, task.ID, domain.StatusFailed)
	assert.EqualValues(t, 2, calls.Load())
	assert.Contains(t, snap.LastError, "timed out")
}

func TestTimeoutFreesWorkerEvenIfHandlerIgnoresContext(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	s, reg, _ := newTestScheduler(t, cfg)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, reg.Register("stuck", worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		<-release
		return nil
	})))
	require.NoError(t, reg.Register("ok", worker.HandlerFunc(func(context.Context, json.RawMessage) error { return nil })))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	stuck := s.NewTask("stuck", nil, domain.PriorityCritical)
	stuck.Timeout = 20 * time.Millisecond
	_, err = s.Submit(stuck)
	require.NoError(t, err)
	next, err := s.Submit(s.NewTask("ok", nil, domain.PriorityLow))
	require.NoError(t, err)

	waitStatus(t, s, stuck.ID, domain.StatusFailed)
	waitStatus(t, s, next.ID, domain.StatusCompleted)
}

func TestPanickingHandlerFails(t *testing.T) {
	s, reg, _ := newTestScheduler(t, testConfig())
	require.NoError(t, reg.Register("panic", worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		panic("kaboom")
	})))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	snap, err := s.Submit(s.NewTask("panic", nil, domain.PriorityNormal))
	require.NoError(t, err)
	failed := waitStatus(t, s, snap.ID, domain.StatusFailed)
	assert.Contains(t, failed.LastError, "kaboom")
}

func TestUnknownJobTypeFailsWithoutRetry(t *testing.T) {
	s, _, rec := newTestScheduler(t, testConfig())
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	task := s.NewTask("nobody", nil, domain.PriorityNormal)
	task.MaxRetries = 3
	_, err = s.Submit(task)
	require.NoError(t, err)

	snap := waitStatus(t, s, task.ID, domain.StatusFailed)
	assert.Equal(t, 0, snap.RetryCount)
	assert.Contains(t, snap.LastError, "handler not found")
	assert.Equal(t, 0, rec.count(domain.EventTaskRetrying))
}

func TestCancelPendingTask(t *testing.T) {
	s, _, rec := newTestScheduler(t, testConfig())

	snap, err := s.Submit(s.NewTask("whatever", nil, domain.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Snapshot().Queued)

	cancelled, err := s.Cancel(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, s.Snapshot().Queued)
	assert.Equal(t, 1, rec.count(domain.EventTaskCancelled))

	_, err = s.Cancel(snap.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = s.Cancel("tsk_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelRunningTaskIsCooperative(t *testing.T) {
	s, reg, _ := newTestScheduler(t, testConfig())
	started := make(chan struct{})
	require.NoError(t, reg.Register("wait", worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	snap, err := s.Submit(s.NewTask("wait", nil, domain.PriorityNormal))
	require.NoError(t, err)
	<-started

	_, err = s.Cancel(snap.ID)
	require.NoError(t, err)
	waitStatus(t, s, snap.ID, domain.StatusCancelled)
}

func TestCancelRetryingTask(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBase = time.Hour
	cfg.RetryMaxDelay = time.Hour
	s, reg, _ := newTestScheduler(t, cfg)
	require.NoError(t, reg.Register("boom", worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		return errors.New("nope")
	})))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	task := s.NewTask("boom", nil, domain.PriorityNormal)
	task.MaxRetries = 5
	_, err = s.Submit(task)
	require.NoError(t, err)
	waitStatus(t, s, task.ID, domain.StatusRetrying)

	snap, err := s.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, snap.Status)
	assert.Equal(t, 0, s.Snapshot().Retrying)
}

func TestGracefulStopWaitsForRunningTask(t *testing.T) {
	s, reg, _ := newTestScheduler(t, testConfig())
	started := make(chan struct{})
	require.NoError(t, reg.Register("slow", worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	})))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	snap, err := s.Submit(s.NewTask("slow", nil, domain.PriorityNormal))
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Stop(true))
	got, err := s.Task(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestGracefulStopTimeoutCancelsRunningTask(t *testing.T) {
	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	s, reg, rec := newTestScheduler(t, cfg)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, reg.Register("stuck", worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		close(started)
		<-release
		return nil
	})))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	snap, err := s.Submit(s.NewTask("stuck", nil, domain.PriorityNormal))
	require.NoError(t, err)
	<-started

	begin := time.Now()
	require.NoError(t, s.Stop(true))
	assert.Less(t, time.Since(begin), time.Second)

	got, err := s.Task(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 1, rec.count(domain.EventTaskCancelled))
}

func TestForcedStopCancelsImmediately(t *testing.T) {
	s, reg, _ := newTestScheduler(t, testConfig())
	started := make(chan struct{})
	require.NoError(t, reg.Register("wait", worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	snap, err := s.Submit(s.NewTask("wait", nil, domain.PriorityNormal))
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Stop(false))
	got, err := s.Task(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestStopKeepsQueuedTasksForRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	s, reg, _ := newTestScheduler(t, cfg)
	require.NoError(t, reg.Register("ok", worker.HandlerFunc(func(context.Context, json.RawMessage) error { return nil })))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Stop(true))

	snap, err := s.Submit(s.NewTask("ok", nil, domain.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, snap.Status)

	_, err = s.Start(context.Background())
	require.NoError(t, err)
	waitStatus(t, s, snap.ID, domain.StatusCompleted)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := New(Config{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}, worker.NewRegistry(), nil)
	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 4*time.Second, s.backoff(3))
	assert.Equal(t, 5*time.Second, s.backoff(4))
	assert.Equal(t, 5*time.Second, s.backoff(30))
}

func TestSubmitRejectsDuplicates(t *testing.T) {
	s, _, _ := newTestScheduler(t, testConfig())
	task := s.NewTask("x", nil, domain.PriorityNormal)
	_, err := s.Submit(task)
	require.NoError(t, err)
	_, err = s.Submit(task)
	assert.ErrorIs(t, err, domain.ErrInvalidTask)
	_, err = s.Submit(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTask)
}

func TestRestoreRequeuesUnfinishedTasks(t *testing.T) {
	s, _, _ := newTestScheduler(t, testConfig())
	running := domain.TaskSnapshot{ID: "tsk_a", JobType: "x", Status: domain.StatusRunning, Priority: domain.PriorityNormal}
	done := domain.TaskSnapshot{ID: "tsk_b", JobType: "x", Status: domain.StatusCompleted, Priority: domain.PriorityNormal}

	assert.Equal(t, 1, s.Restore([]domain.TaskSnapshot{running, done}))
	assert.Equal(t, 1, s.Snapshot().Queued)

	got, err := s.Task("tsk_a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	got, err = s.Task("tsk_b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestCancelDequeuedTaskIsCooperative(t *testing.T) {
	s, _, rec := newTestScheduler(t, testConfig())
	task := s.NewTask("x", nil, domain.PriorityNormal)
	_, err := s.Submit(task)
	require.NoError(t, err)

	// A worker took the task off the queue before Cancel got to it.
	got, err := s.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Same(t, task, got)

	snap, err := s.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, snap.Status)
	assert.True(t, task.CancelRequested())
	assert.Equal(t, 0, rec.count(domain.EventTaskCancelled))

	// The handler ignored its context and succeeded anyway.
	s.finish(task, nil)
	final, err := s.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, final.Status)
	assert.Equal(t, 1, rec.count(domain.EventTaskCancelled))
	assert.Equal(t, 0, rec.count(domain.EventTaskCompleted))
}
