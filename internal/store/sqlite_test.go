package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localq/internal/domain"
)

func newRepo(t *testing.T) *SQLiteRepo {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	repo := NewSQLiteRepo(db)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestTaskRoundTripAndUpsert(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)

	snap := domain.TaskSnapshot{
		ID:         "tsk_1",
		JobType:    "email",
		JobID:      "job_1",
		Priority:   domain.PriorityHigh,
		Status:     domain.StatusPending,
		Payload:    json.RawMessage(`{"to":"a@b"}`),
		MaxRetries: 2,
		Timeout:    1500 * time.Millisecond,
		CreatedAt:  created,
	}
	require.NoError(t, repo.SaveTask(ctx, snap))

	snap.Status = domain.StatusFailed
	snap.RetryCount = 2
	snap.Attempts = 3
	snap.LastError = "boom"
	snap.StartedAt = created.Add(time.Second)
	snap.CompletedAt = created.Add(2 * time.Second)
	require.NoError(t, repo.SaveTask(ctx, snap))

	got, err := repo.GetTask(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, "job_1", got.JobID)
	assert.JSONEq(t, `{"to":"a@b"}`, string(got.Payload))
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 1500*time.Millisecond, got.Timeout)
	assert.Equal(t, "boom", got.LastError)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.True(t, snap.CompletedAt.Equal(got.CompletedAt))

	_, err = repo.GetTask(ctx, "tsk_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveTaskKeepsTerminalRow(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	done := domain.TaskSnapshot{
		ID:          "tsk_done",
		JobType:     "x",
		Priority:    domain.PriorityNormal,
		Status:      domain.StatusCompleted,
		Attempts:    1,
		CreatedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.SaveTask(ctx, done))

	late := done
	late.Status = domain.StatusPending
	late.Attempts = 0
	late.CompletedAt = time.Time{}
	require.NoError(t, repo.SaveTask(ctx, late))

	got, err := repo.GetTask(ctx, "tsk_done")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)

	open, err := repo.ListUnfinishedTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestListUnfinishedTasks(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	statuses := []domain.Status{
		domain.StatusPending, domain.StatusRunning, domain.StatusCompleted,
		domain.StatusRetrying, domain.StatusCancelled, domain.StatusFailed,
	}
	for i, st := range statuses {
		require.NoError(t, repo.SaveTask(ctx, domain.TaskSnapshot{
			ID:        "tsk_" + string(st),
			JobType:   "x",
			Priority:  domain.PriorityNormal,
			Status:    st,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	open, err := repo.ListUnfinishedTasks(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(open))
	for _, s := range open {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"tsk_pending", "tsk_running", "tsk_retrying"}, ids)

	recent, err := repo.ListTasks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "tsk_failed", recent[0].ID)

	all, err := repo.ListTasks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, len(statuses))
}

func TestJobsPersist(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	next := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	job := domain.ScheduledJob{
		ID:         "job_1",
		Name:       "nightly",
		JobType:    "report",
		Recurrence: "0 2 * * *",
		Priority:   domain.PriorityLow,
		MaxRetries: 1,
		Enabled:    true,
		NextRunAt:  next,
		CreatedAt:  next.Add(-time.Hour),
	}
	require.NoError(t, repo.SaveJob(ctx, job))
	job.Enabled = false
	job.LastError = "handler not found"
	require.NoError(t, repo.SaveJob(ctx, job))

	jobs, err := repo.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Enabled)
	assert.Equal(t, "handler not found", jobs[0].LastError)
	assert.Equal(t, domain.PriorityLow, jobs[0].Priority)
	assert.True(t, next.Equal(jobs[0].NextRunAt))
	assert.True(t, jobs[0].LastRunAt.IsZero())

	require.NoError(t, repo.DeleteJob(ctx, "job_1"))
	jobs, err = repo.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWebhooksAndDeliveries(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	hook := domain.Webhook{ID: "whk_1", URL: "http://example.test/h", EventTypes: []string{"task.*"}, Secret: "s3cret", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, repo.SaveWebhook(ctx, hook))

	hooks, err := repo.ListWebhooks(ctx)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, []string{"task.*"}, hooks[0].EventTypes)
	assert.Equal(t, "s3cret", hooks[0].Secret)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendDelivery(ctx, domain.Delivery{
			ID:        domain.NewDeliveryID(),
			WebhookID: "whk_1",
			EventType: "task.completed",
			Attempts:  i + 1,
			Success:   i == 2,
		}))
	}
	ds, err := repo.ListDeliveries(ctx, "whk_1", 2)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, 3, ds[0].Attempts)
	assert.True(t, ds[0].Success)
	assert.False(t, ds[0].At.IsZero())

	require.NoError(t, repo.DeleteWebhook(ctx, "whk_1"))
	hooks, err = repo.ListWebhooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, hooks)
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "localq.db")
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), " ")
	assert.Error(t, err)
}
