package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"localq/internal/domain"
	"localq/internal/worker"
)

// execute runs one dequeued (already running) task and records its outcome.
func (s *Scheduler) execute(t *domain.Task) {
	h, err := s.handlers.Lookup(t.JobType)
	if err != nil {
		s.finish(t, err)
		return
	}

	s.mu.Lock()
	runCtx, cancel := context.WithCancel(s.execCtx)
	s.running[t.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, t.ID)
		s.mu.Unlock()
		cancel()
	}()
	// Cancel may have landed between dequeue and registration above.
	if t.CancelRequested() {
		cancel()
	}

	snap := t.Snapshot()
	s.log.Debug().Str("task_id", t.ID).Str("job_type", t.JobType).Int("attempt", snap.Attempts).Msg("task started")
	s.publish(domain.TaskEvent(domain.EventTaskStarted, snap, ""))

	s.finish(t, s.run(runCtx, h, t))
}

// run calls the handler with a bounded budget. On timeout or cancellation it
// returns without waiting for the handler goroutine; the handler is expected to
// observe ctx and exit on its own.
func (s *Scheduler) run(runCtx context.Context, h worker.Handler, t *domain.Task) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ctx := runCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("task_id", t.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("task panic")
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h.Handle(ctx, t.Payload)
	}()

	var err error
	select {
	case err = <-done:
		if err == nil {
			return nil
		}
	case <-ctx.Done():
	}
	switch {
	case runCtx.Err() != nil:
		return domain.ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.TimeoutError(timeout)
	}
	return &domain.HandlerExecutionError{TaskID: t.ID, JobType: t.JobType, Err: err}
}

func (s *Scheduler) finish(t *domain.Task, runErr error) {
	now := s.now()
	log := s.log.With().Str("task_id", t.ID).Str("job_type", t.JobType).Logger()

	switch {
	case errors.Is(runErr, domain.ErrCancelled) || t.CancelRequested():
		if err := t.Abort(domain.StatusCancelled, "cancelled while running", now); err != nil {
			return
		}
		snap := t.Snapshot()
		s.persistTask(snap)
		log.Info().Msg("task cancelled")
		s.publish(domain.TaskEvent(domain.EventTaskCancelled, snap, snap.LastError))

	case runErr == nil:
		if err := t.Transition(domain.StatusCompleted, now); err != nil {
			log.Debug().Err(err).Msg("completion ignored")
			return
		}
		snap := t.Snapshot()
		s.persistTask(snap)
		log.Debug().Int("attempts", snap.Attempts).Dur("dur", snap.CompletedAt.Sub(snap.StartedAt)).Msg("task completed")
		s.publish(domain.TaskEvent(domain.EventTaskCompleted, snap, ""))

	case errors.Is(runErr, domain.ErrHandlerNotFound):
		if err := t.Abort(domain.StatusFailed, runErr.Error(), now); err != nil {
			return
		}
		snap := t.Snapshot()
		s.persistTask(snap)
		log.Warn().Err(runErr).Msg("task failed")
		s.publish(domain.TaskEvent(domain.EventTaskFailed, snap, snap.LastError))

	default:
		st, err := t.Fail(runErr.Error(), now)
		if err != nil {
			log.Debug().Err(err).Msg("failure ignored")
			return
		}
		snap := t.Snapshot()
		s.persistTask(snap)
		if st == domain.StatusFailed {
			log.Warn().Err(runErr).Int("attempts", snap.Attempts).Msg("task failed")
			s.publish(domain.TaskEvent(domain.EventTaskFailed, snap, snap.LastError))
			return
		}
		delay := s.backoff(snap.RetryCount)
		log.Debug().Err(runErr).Int("retry", snap.RetryCount).Dur("delay", delay).Msg("task retry scheduled")
		s.publish(domain.TaskEvent(domain.EventTaskRetrying, snap, snap.LastError))
		s.scheduleRetry(t, delay)
	}
}

// backoff returns RetryBase * 2^(retry-1), capped at RetryMaxDelay.
func (s *Scheduler) backoff(retry int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	return d
}

func (s *Scheduler) scheduleRetry(t *domain.Task, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		// Stopping: skip the wait so the task is not stranded in retrying.
		if err := t.Transition(domain.StatusPending, s.now()); err == nil {
			if err := s.queue.Enqueue(t); err != nil {
				s.log.Error().Err(err).Str("task_id", t.ID).Msg("requeue retry")
			}
		}
		return
	}
	id := t.ID
	s.retries[id] = time.AfterFunc(delay, func() { s.retryNow(id) })
}

func (s *Scheduler) retryNow(id string) {
	s.mu.Lock()
	_, pending := s.retries[id]
	delete(s.retries, id)
	t := s.tasks[id]
	s.mu.Unlock()
	if !pending || t == nil {
		return
	}
	if err := t.Transition(domain.StatusPending, s.now()); err != nil {
		return
	}
	if err := s.queue.Enqueue(t); err != nil {
		s.log.Error().Err(err).Str("task_id", id).Msg("requeue retry")
	}
}
