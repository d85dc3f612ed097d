package domain

import "time"

const (
	EventTaskSubmitted    = "task.submitted"
	EventTaskStarted      = "task.started"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventTaskRetrying     = "task.retrying"
	EventTaskCancelled    = "task.cancelled"
	EventJobScheduled     = "job.scheduled"
	EventJobFired         = "job.fired"
	EventJobDisabled      = "job.disabled"
	EventSchedulerStarted = "scheduler.started"
	EventSchedulerStopped = "scheduler.stopped"
)

// Event is an immutable notification of a lifecycle transition. Data holds a
// value snapshot (TaskSnapshot or ScheduledJob), never a live pointer.
type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	TaskID string    `json:"task_id,omitempty"`
	JobID  string    `json:"job_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Data   any       `json:"data,omitempty"`
}

func TaskEvent(typ string, s TaskSnapshot, reason string) Event {
	return Event{Type: typ, Time: time.Now().UTC(), TaskID: s.ID, JobID: s.JobID, Reason: reason, Data: s}
}

func JobEvent(typ string, j ScheduledJob, reason string) Event {
	return Event{Type: typ, Time: time.Now().UTC(), JobID: j.ID, Reason: reason, Data: j}
}
