package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the queue. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityLow }

// ParsePriority maps a name to a Priority. An empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusRetrying, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying: {StatusPending, StatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is one unit of schedulable work. Descriptor fields are set at creation and
// never change; lifecycle fields are guarded by mu and reached through methods.
type Task struct {
	ID         string
	JobType    string
	JobID      string // set when generated by a ScheduledJob
	Priority   Priority
	Payload    json.RawMessage
	MaxRetries int
	Timeout    time.Duration
	CreatedAt  time.Time

	mu              sync.Mutex
	status          Status
	retryCount      int
	attempts        int
	startedAt       time.Time
	completedAt     time.Time
	lastError       string
	cancelRequested bool
}

func NewTask(jobType string, payload json.RawMessage, priority Priority) *Task {
	return &Task{
		ID:        "tsk_" + uuid.NewString(),
		JobType:   jobType,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		status:    StatusPending,
	}
}

// RestoreTask rebuilds a task from a persisted snapshot.
func RestoreTask(s TaskSnapshot) *Task {
	return &Task{
		ID:          s.ID,
		JobType:     s.JobType,
		JobID:       s.JobID,
		Priority:    s.Priority,
		Payload:     s.Payload,
		MaxRetries:  s.MaxRetries,
		Timeout:     s.Timeout,
		CreatedAt:   s.CreatedAt,
		status:      s.Status,
		retryCount:  s.RetryCount,
		attempts:    s.Attempts,
		startedAt:   s.StartedAt,
		completedAt: s.CompletedAt,
		lastError:   s.LastError,
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// Transition moves the task to status to. It fails with ErrInvalidState when the
// edge is not allowed, which makes it safe to race terminal writers.
func (t *Task) Transition(to Status, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to, now)
}

func (t *Task) transitionLocked(to Status, now time.Time) error {
	if !CanTransition(t.status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidState, t.ID, t.status, to)
	}
	t.status = to
	switch {
	case to == StatusRunning:
		t.startedAt = now
		t.attempts++
	case to.Terminal():
		t.completedAt = now
	}
	return nil
}

// Fail records reason and moves the task to StatusRetrying when budget remains,
// StatusFailed otherwise. It returns the resulting status.
func (t *Task) Fail(reason string, now time.Time) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	to := StatusFailed
	if t.retryCount < t.MaxRetries {
		to = StatusRetrying
	}
	if err := t.transitionLocked(to, now); err != nil {
		return t.status, err
	}
	t.lastError = reason
	if to == StatusRetrying {
		t.retryCount++
	}
	return to, nil
}

// Abort moves the task to a final status without touching the retry budget.
func (t *Task) Abort(to Status, reason string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(to, now); err != nil {
		return err
	}
	t.lastError = reason
	return nil
}

// RequestCancel flags a running task for cooperative cancellation.
func (t *Task) RequestCancel() {
	t.mu.Lock()
	t.cancelRequested = true
	t.mu.Unlock()
}

func (t *Task) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		ID:          t.ID,
		JobType:     t.JobType,
		JobID:       t.JobID,
		Priority:    t.Priority,
		Status:      t.status,
		Payload:     t.Payload,
		RetryCount:  t.retryCount,
		Attempts:    t.attempts,
		MaxRetries:  t.MaxRetries,
		Timeout:     t.Timeout,
		LastError:   t.lastError,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
}

// TaskSnapshot is an immutable copy of a Task, safe to hand to other goroutines.
type TaskSnapshot struct {
	ID          string          `json:"id"`
	JobType     string          `json:"job_type"`
	JobID       string          `json:"job_id,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	Timeout     time.Duration   `json:"timeout"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// ScheduledJob is a recurring definition that generates Tasks.
type ScheduledJob struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	JobType    string          `json:"job_type"`
	Recurrence string          `json:"recurrence"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   Priority        `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Timeout    time.Duration   `json:"timeout"`
	Enabled    bool            `json:"enabled"`
	StartAt    time.Time       `json:"start_at,omitempty"`
	NextRunAt  time.Time       `json:"next_run_at"`
	LastRunAt  time.Time       `json:"last_run_at,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func NewJobID() string { return "job_" + uuid.NewString() }

// NewTask builds the Task a firing of j produces.
func (j ScheduledJob) NewTask() *Task {
	t := NewTask(j.JobType, j.Payload, j.Priority)
	t.JobID = j.ID
	t.MaxRetries = j.MaxRetries
	t.Timeout = j.Timeout
	return t
}
