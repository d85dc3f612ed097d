package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"critical": PriorityCritical,
		"HIGH":     PriorityHigh,
		"":         PriorityNormal,
		" normal ": PriorityNormal,
		"low":      PriorityLow,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestPriorityJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityHigh})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"high"}`, string(b))

	var out struct {
		P Priority `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"low"}`), &out))
	assert.Equal(t, PriorityLow, out.P)
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTaskTransition(t *testing.T) {
	task := NewTask("email", nil, PriorityNormal)
	now := time.Now()

	require.NoError(t, task.Transition(StatusRunning, now))
	require.NoError(t, task.Transition(StatusCompleted, now))

	err := task.Transition(StatusPending, now)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, StatusCompleted, task.Status())

	snap := task.Snapshot()
	assert.Equal(t, now, snap.StartedAt)
	assert.Equal(t, now, snap.CompletedAt)
	assert.Equal(t, 1, snap.Attempts)
}

func TestTaskFailUsesRetryBudget(t *testing.T) {
	task := NewTask("email", nil, PriorityNormal)
	task.MaxRetries = 1
	now := time.Now()

	require.NoError(t, task.Transition(StatusRunning, now))
	st, err := task.Fail("boom", now)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, st)
	assert.Equal(t, 1, task.RetryCount())

	require.NoError(t, task.Transition(StatusPending, now))
	require.NoError(t, task.Transition(StatusRunning, now))
	st, err = task.Fail("boom again", now)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st)

	snap := task.Snapshot()
	assert.Equal(t, "boom again", snap.LastError)
	assert.Equal(t, 2, snap.Attempts)
}

func TestScheduledJobNewTask(t *testing.T) {
	j := ScheduledJob{ID: NewJobID(), JobType: "report", Priority: PriorityHigh, MaxRetries: 2, Timeout: time.Second}
	task := j.NewTask()
	assert.Equal(t, j.ID, task.JobID)
	assert.Equal(t, "report", task.JobType)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, 2, task.MaxRetries)
	assert.Equal(t, StatusPending, task.Status())
}
