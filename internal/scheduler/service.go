package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localq/internal/domain"
	"localq/internal/eventbus"
	"localq/internal/queue"
	"localq/internal/worker"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var ErrStopping = errors.New("scheduler is stopping")

// Config controls the scheduler. Zero values fall back to the defaults below.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	StopTimeout       time.Duration
	// Retention keeps terminal tasks in memory this long. Negative disables pruning.
	Retention time.Duration
	Location  *time.Location
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.Retention == 0 {
		c.Retention = time.Hour
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// HandlerLookup resolves a job type to its handler.
type HandlerLookup interface {
	Lookup(jobType string) (worker.Handler, error)
}

// Store persists task and job records. Scheduler works without one.
type Store interface {
	SaveTask(ctx context.Context, t domain.TaskSnapshot) error
	SaveJob(ctx context.Context, j domain.ScheduledJob) error
	DeleteJob(ctx context.Context, id string) error
}

type Option func(*Scheduler)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log.With().Str("comp", "scheduler").Logger() }
}

func WithStore(st Store) Option { return func(s *Scheduler) { s.store = st } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.clock = now } }

func WithQueue(q *queue.Queue) Option { return func(s *Scheduler) { s.queue = q } }

// Scheduler owns the task queue, the job registry and the worker pool.
type Scheduler struct {
	cfg      Config
	handlers HandlerLookup
	bus      *eventbus.Bus
	store    Store
	log      zerolog.Logger
	clock    func() time.Time
	queue    *queue.Queue

	mu          sync.Mutex
	state       State
	jobs        map[string]*domain.ScheduledJob
	recurrences map[string]Recurrence
	tasks       map[string]*domain.Task
	running     map[string]context.CancelFunc
	retries     map[string]*time.Timer

	execCtx    context.Context
	execCancel context.CancelFunc
	poolCancel context.CancelFunc
	pool       *worker.Pool
	pollStop   chan struct{}
	pollDone   chan struct{}
}

func New(cfg Config, handlers HandlerLookup, bus *eventbus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:         cfg.withDefaults(),
		handlers:    handlers,
		bus:         bus,
		log:         zerolog.Nop(),
		clock:       time.Now,
		state:       StateStopped,
		jobs:        make(map[string]*domain.ScheduledJob),
		recurrences: make(map[string]Recurrence),
		tasks:       make(map[string]*domain.Task),
		running:     make(map[string]context.CancelFunc),
		retries:     make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	if s.queue == nil {
		s.queue = queue.New()
	}
	return s
}

func (s *Scheduler) now() time.Time { return s.clock().In(s.cfg.Location) }

func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the worker pool and the job polling loop. It returns false
// without error when the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	switch s.state {
	case StateRunning, StateStarting:
		s.mu.Unlock()
		s.log.Debug().Msg("scheduler already running")
		return false, nil
	case StateStopping:
		s.mu.Unlock()
		return false, ErrStopping
	}
	if s.handlers == nil {
		s.mu.Unlock()
		return false, errors.New("scheduler: handler registry is nil")
	}
	if s.queue.Closed() {
		s.mu.Unlock()
		return false, fmt.Errorf("scheduler: %w", domain.ErrQueueClosed)
	}
	s.state = StateStarting

	s.execCtx, s.execCancel = context.WithCancel(context.WithoutCancel(ctx))
	poolCtx, poolCancel := context.WithCancel(s.execCtx)
	s.poolCancel = poolCancel
	s.pool = worker.NewPool(s.queue, s.execute, s.cfg.Workers, s.log)
	s.pollStop = make(chan struct{})
	s.pollDone = make(chan struct{})
	pool, stop, done := s.pool, s.pollStop, s.pollDone

	pool.Run(poolCtx)
	go s.pollLoop(stop, done)
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Info().
		Int("workers", pool.Size()).
		Dur("poll", s.cfg.PollInterval).
		Int("queued", s.queue.Len()).
		Msg("scheduler started")
	s.publish(domain.Event{Type: domain.EventSchedulerStarted})
	return true, nil
}

// Stop halts polling and the workers. With graceful set it waits up to
// StopTimeout for in-flight tasks; whatever is still running afterwards, or
// everything when graceful is false, is cancelled. Queued tasks stay queued.
func (s *Scheduler) Stop(graceful bool) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateStopping, StateStarting:
		s.mu.Unlock()
		return ErrStopping
	}
	s.state = StateStopping
	close(s.pollStop)
	s.poolCancel()
	requeue := s.takeRetriesLocked()
	pool, pollDone := s.pool, s.pollDone
	s.mu.Unlock()

	s.log.Info().Bool("graceful", graceful).Msg("scheduler stopping")
	<-pollDone

	now := s.now()
	for _, t := range requeue {
		if err := t.Transition(domain.StatusPending, now); err != nil {
			continue
		}
		if err := s.queue.Enqueue(t); err != nil {
			s.log.Error().Err(err).Str("task_id", t.ID).Msg("requeue pending retry")
		}
	}

	idle := make(chan struct{})
	go func() {
		pool.Wait()
		close(idle)
	}()
	if graceful {
		select {
		case <-idle:
		case <-time.After(s.cfg.StopTimeout):
			s.log.Warn().Dur("timeout", s.cfg.StopTimeout).Msg("in-flight tasks did not finish; cancelling")
			s.cancelInFlight("scheduler stop timed out")
			<-idle
		}
	} else {
		s.cancelInFlight("scheduler stopped")
		<-idle
	}

	s.mu.Lock()
	s.execCancel()
	s.pool = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.log.Info().Int("queued", s.queue.Len()).Msg("scheduler stopped")
	s.publish(domain.Event{Type: domain.EventSchedulerStopped})
	return nil
}

// takeRetriesLocked stops every backoff timer and returns the waiting tasks.
func (s *Scheduler) takeRetriesLocked() []*domain.Task {
	out := make([]*domain.Task, 0, len(s.retries))
	for id, tm := range s.retries {
		tm.Stop()
		delete(s.retries, id)
		if t, ok := s.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// cancelInFlight marks every running task cancelled and cancels its context.
func (s *Scheduler) cancelInFlight(reason string) {
	s.mu.Lock()
	var cancelled []*domain.Task
	now := s.now()
	for id, cancel := range s.running {
		t := s.tasks[id]
		if t == nil {
			continue
		}
		t.RequestCancel()
		if err := t.Abort(domain.StatusCancelled, reason, now); err == nil {
			cancelled = append(cancelled, t)
		}
		cancel()
	}
	s.execCancel()
	s.mu.Unlock()

	for _, t := range cancelled {
		snap := t.Snapshot()
		s.persistTask(snap)
		s.publish(domain.TaskEvent(domain.EventTaskCancelled, snap, reason))
	}
}

// NewTask builds a task carrying the configured default retry budget.
func (s *Scheduler) NewTask(jobType string, payload []byte, p domain.Priority) *domain.Task {
	t := domain.NewTask(jobType, payload, p)
	t.MaxRetries = s.cfg.DefaultMaxRetries
	return t
}

// Submit enqueues an ad-hoc task. It may be called while the scheduler is
// stopped; the task waits in the queue until Start.
func (s *Scheduler) Submit(t *domain.Task) (domain.TaskSnapshot, error) {
	if t == nil {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: nil task", domain.ErrInvalidTask)
	}
	if t.MaxRetries < 0 || t.Timeout < 0 {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: negative retry budget or timeout", domain.ErrInvalidTask)
	}
	if t.ID == "" || t.JobType == "" || !t.Priority.Valid() {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: task requires id, job type and a known priority", domain.ErrInvalidTask)
	}
	s.mu.Lock()
	_, dup := s.tasks[t.ID]
	s.mu.Unlock()
	if dup {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: task %s already submitted", domain.ErrInvalidTask, t.ID)
	}
	if st := t.Status(); st != domain.StatusPending {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: task %s is %s, want pending", domain.ErrInvalidState, t.ID, st)
	}
	if s.queue.Closed() {
		return domain.TaskSnapshot{}, domain.ErrQueueClosed
	}

	snap, err := s.admit(t)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	s.log.Debug().Str("task_id", t.ID).Str("job_type", t.JobType).Stringer("priority", t.Priority).Msg("task submitted")
	return snap, nil
}

// admit stores and announces t as submitted, then enqueues it. No worker can
// see the task before its pending record and task.submitted event exist.
func (s *Scheduler) admit(t *domain.Task) (domain.TaskSnapshot, error) {
	snap := t.Snapshot()
	s.persistTask(snap)
	s.publish(domain.TaskEvent(domain.EventTaskSubmitted, snap, ""))

	s.mu.Lock()
	var err error
	if _, ok := s.tasks[t.ID]; ok {
		err = fmt.Errorf("%w: task %s already submitted", domain.ErrInvalidTask, t.ID)
	} else if err = s.queue.Enqueue(t); err == nil {
		s.tasks[t.ID] = t
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("enqueue task")
		return domain.TaskSnapshot{}, err
	}
	return snap, nil
}

// Restore re-enqueues tasks recovered from a store. Unfinished tasks come back
// as pending; terminal ones are only registered for lookup.
func (s *Scheduler) Restore(snaps []domain.TaskSnapshot) int {
	n := 0
	for _, snap := range snaps {
		if !snap.Status.Terminal() {
			snap.Status = domain.StatusPending
		}
		t := domain.RestoreTask(snap)
		s.mu.Lock()
		if _, ok := s.tasks[t.ID]; ok {
			s.mu.Unlock()
			continue
		}
		if !snap.Status.Terminal() {
			if err := s.queue.Enqueue(t); err != nil {
				s.mu.Unlock()
				s.log.Warn().Err(err).Str("task_id", t.ID).Msg("restore task")
				continue
			}
			n++
		}
		s.tasks[t.ID] = t
		s.mu.Unlock()
	}
	return n
}

// Cancel cancels a pending or retrying task outright. A running task is asked
// to stop through its context and ends cancelled once its handler returns.
func (s *Scheduler) Cancel(id string) (domain.TaskSnapshot, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.TaskSnapshot{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	if tm, ok := s.retries[id]; ok {
		tm.Stop()
		delete(s.retries, id)
	}
	s.mu.Unlock()

	// A pending task is cancelled outright only if it is taken off the queue
	// first; otherwise a worker already owns it and it is handled as running.
	abort := false
	switch t.Status() {
	case domain.StatusPending:
		abort = s.queue.Remove(id)
	case domain.StatusRetrying:
		abort = true
	}
	if abort {
		if err := t.Abort(domain.StatusCancelled, "cancelled by request", s.now()); err == nil {
			snap := t.Snapshot()
			s.persistTask(snap)
			s.publish(domain.TaskEvent(domain.EventTaskCancelled, snap, snap.LastError))
			return snap, nil
		}
	}

	if st := t.Status(); st != domain.StatusRunning {
		return t.Snapshot(), fmt.Errorf("%w: task %s is %s", domain.ErrInvalidState, id, st)
	}
	t.RequestCancel()
	s.mu.Lock()
	cancel := s.running[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.log.Debug().Str("task_id", id).Msg("cancellation requested for running task")
	return t.Snapshot(), nil
}

func (s *Scheduler) Task(id string) (domain.TaskSnapshot, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t.Snapshot(), nil
}

// Tasks lists known tasks, newest first, up to limit (0 means all).
func (s *Scheduler) Tasks(limit int) []domain.TaskSnapshot {
	s.mu.Lock()
	out := make([]domain.TaskSnapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Snapshot is a point-in-time view for operators.
type Snapshot struct {
	State    State                 `json:"state"`
	Workers  int                   `json:"workers"`
	Queued   int                   `json:"queued"`
	InFlight int                   `json:"in_flight"`
	Retrying int                   `json:"retrying"`
	Jobs     int                   `json:"jobs"`
	ByStatus map[domain.Status]int `json:"by_status"`
	Next     *domain.TaskSnapshot  `json:"next,omitempty"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:    s.state,
		Workers:  s.cfg.Workers,
		InFlight: len(s.running),
		Retrying: len(s.retries),
		Jobs:     len(s.jobs),
		ByStatus: make(map[domain.Status]int),
	}
	for _, t := range s.tasks {
		snap.ByStatus[t.Status()]++
	}
	s.mu.Unlock()
	snap.Queued = s.queue.Len()
	if next, ok := s.queue.Peek(); ok {
		snap.Next = &next
	}
	return snap
}

func (s *Scheduler) publish(e domain.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func (s *Scheduler) persistTask(snap domain.TaskSnapshot) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.SaveTask(ctx, snap); err != nil {
		s.log.Error().Err(err).Str("task_id", snap.ID).Msg("persist task")
	}
}

func (s *Scheduler) persistJob(j domain.ScheduledJob) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.SaveJob(ctx, j); err != nil {
		s.log.Error().Err(err).Str("job_id", j.ID).Msg("persist job")
	}
}
