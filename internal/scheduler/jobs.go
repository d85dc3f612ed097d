package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"localq/internal/domain"
)

// Schedule registers a recurring job and computes its first run. Persisted
// jobs keep their NextRunAt when it still lies in the future.
func (s *Scheduler) Schedule(job domain.ScheduledJob) (domain.ScheduledJob, error) {
	rec, err := validateJob(&job)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	now := s.now()
	if job.ID == "" {
		job.ID = domain.NewJobID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now.UTC()
	}
	switch {
	case job.NextRunAt.IsZero():
		job.NextRunAt = rec.First(now, job.StartAt)
	case job.NextRunAt.Before(now):
		job.NextRunAt = rec.Next(job.NextRunAt, now)
	}

	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; ok {
		s.mu.Unlock()
		return domain.ScheduledJob{}, fmt.Errorf("%w: job %s already scheduled", domain.ErrInvalidState, job.ID)
	}
	stored := job
	s.jobs[job.ID] = &stored
	s.recurrences[job.ID] = rec
	s.mu.Unlock()

	s.persistJob(job)
	s.log.Info().
		Str("job_id", job.ID).
		Str("name", job.Name).
		Str("recurrence", job.Recurrence).
		Time("next_run", job.NextRunAt).
		Bool("enabled", job.Enabled).
		Msg("job scheduled")
	s.publish(domain.JobEvent(domain.EventJobScheduled, job, ""))
	return job, nil
}

func validateJob(job *domain.ScheduledJob) (Recurrence, error) {
	job.JobType = strings.TrimSpace(job.JobType)
	if job.JobType == "" {
		return Recurrence{}, fmt.Errorf("%w: job type is required", domain.ErrInvalidTask)
	}
	if !job.Priority.Valid() {
		return Recurrence{}, fmt.Errorf("%w: invalid priority", domain.ErrInvalidTask)
	}
	if job.MaxRetries < 0 || job.Timeout < 0 {
		return Recurrence{}, fmt.Errorf("%w: negative retry budget or timeout", domain.ErrInvalidTask)
	}
	if job.Name == "" {
		job.Name = job.JobType
	}
	rec, err := ParseRecurrence(job.Recurrence)
	if err != nil {
		return Recurrence{}, fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}
	return rec, nil
}

// UpdateJob replaces a job definition. The next run is recomputed when the
// recurrence or start time changes, or when the job is re-enabled.
func (s *Scheduler) UpdateJob(job domain.ScheduledJob) (domain.ScheduledJob, error) {
	rec, err := validateJob(&job)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	now := s.now()

	s.mu.Lock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		s.mu.Unlock()
		return domain.ScheduledJob{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, job.ID)
	}
	job.CreatedAt = cur.CreatedAt
	job.LastRunAt = cur.LastRunAt
	job.NextRunAt = cur.NextRunAt
	if job.Recurrence != cur.Recurrence || !job.StartAt.Equal(cur.StartAt) || job.Enabled && !cur.Enabled || job.NextRunAt.Before(now) {
		job.NextRunAt = rec.First(now, job.StartAt)
	}
	if job.Enabled {
		job.LastError = ""
	}
	*cur = job
	s.recurrences[job.ID] = rec
	s.mu.Unlock()

	s.persistJob(job)
	return job, nil
}

func (s *Scheduler) SetJobEnabled(id string, enabled bool) (domain.ScheduledJob, error) {
	job, err := s.Job(id)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	job.Enabled = enabled
	return s.UpdateJob(job)
}

func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	delete(s.recurrences, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.DeleteJob(ctx, id); err != nil {
			s.log.Error().Err(err).Str("job_id", id).Msg("delete job")
		}
	}
	return nil
}

func (s *Scheduler) Job(id string) (domain.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ScheduledJob{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return *j, nil
}

func (s *Scheduler) Jobs() []domain.ScheduledJob {
	s.mu.Lock()
	out := make([]domain.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(s.now())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick fires every enabled job that is due at now and prunes expired tasks.
func (s *Scheduler) tick(now time.Time) {
	type firing struct {
		task *domain.Task
		job  domain.ScheduledJob
	}
	var (
		events  []domain.Event
		changed []domain.ScheduledJob
		fired   []firing
	)

	s.mu.Lock()
	due := make([]*domain.ScheduledJob, 0)
	for _, j := range s.jobs {
		if j.Enabled && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].NextRunAt.Before(due[b].NextRunAt) })

	for _, j := range due {
		rec, ok := s.recurrences[j.ID]
		if !ok {
			var err error
			if rec, err = ParseRecurrence(j.Recurrence); err != nil {
				events = append(events, s.disableJobLocked(j, err.Error()))
				changed = append(changed, *j)
				continue
			}
			s.recurrences[j.ID] = rec
		}
		if _, err := s.handlers.Lookup(j.JobType); err != nil {
			events = append(events, s.disableJobLocked(j, err.Error()))
			changed = append(changed, *j)
			continue
		}

		j.LastRunAt = now
		j.NextRunAt = rec.Next(j.NextRunAt, now)
		changed = append(changed, *j)
		fired = append(fired, firing{task: j.NewTask(), job: *j})
	}
	s.mu.Unlock()

	for _, j := range changed {
		s.persistJob(j)
	}
	for _, e := range events {
		s.publish(e)
	}
	for _, f := range fired {
		if _, err := s.admit(f.task); err != nil {
			continue
		}
		s.log.Info().
			Str("job_id", f.job.ID).
			Str("name", f.job.Name).
			Str("task_id", f.task.ID).
			Time("next_run", f.job.NextRunAt).
			Msg("scheduled task enqueued")
		s.publish(domain.JobEvent(domain.EventJobFired, f.job, ""))
	}
	s.prune(now)
}

func (s *Scheduler) disableJobLocked(j *domain.ScheduledJob, reason string) domain.Event {
	j.Enabled = false
	j.LastError = reason
	s.log.Error().Str("job_id", j.ID).Str("name", j.Name).Str("reason", reason).Msg("job disabled")
	return domain.JobEvent(domain.EventJobDisabled, *j, reason)
}

// prune forgets terminal tasks that finished more than Retention ago.
func (s *Scheduler) prune(now time.Time) {
	if s.cfg.Retention < 0 {
		return
	}
	cutoff := now.Add(-s.cfg.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		snap := t.Snapshot()
		if snap.Status.Terminal() && snap.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}
