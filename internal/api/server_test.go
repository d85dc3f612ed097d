package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localq/internal/domain"
	"localq/internal/eventbus"
	"localq/internal/metrics"
	"localq/internal/scheduler"
	"localq/internal/webhook"
	"localq/internal/worker"
)

type fixture struct {
	srv   *httptest.Server
	sched *scheduler.Scheduler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	bus := eventbus.New(zerolog.Nop())
	sched := scheduler.New(scheduler.Config{Workers: 1, DefaultMaxRetries: 1}, worker.NewRegistry(), bus)
	hooks := webhook.New(webhook.Config{RateLimit: -1})
	m := metrics.New()
	m.Attach(bus)

	srv := httptest.NewServer(NewServer(sched, hooks, Options{Metrics: m.Handler(), Log: zerolog.Nop()}))
	t.Cleanup(srv.Close)
	return fixture{srv: srv, sched: sched}
}

func (f fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestSubmitGetAndCancelTask(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/tasks", `{"job_type":"email","payload":{"to":"x"},"priority":"high","timeout":"5s"}`)
	require.Equal(t, http.StatusAccepted, code, body)
	var created submitResp
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.Equal(t, domain.StatusPending, created.Status)

	code, body = f.do(t, http.MethodGet, "/api/tasks/"+created.ID, "")
	require.Equal(t, http.StatusOK, code)
	var snap domain.TaskSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, domain.PriorityHigh, snap.Priority)
	assert.Equal(t, 1, snap.MaxRetries)
	assert.JSONEq(t, `{"to":"x"}`, string(snap.Payload))

	code, _ = f.do(t, http.MethodDelete, "/api/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodDelete, "/api/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodGet, "/api/tasks?status=cancelled", "")
	require.Equal(t, http.StatusOK, code)
	var list []domain.TaskSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	cases := []string{
		`{"payload":{}}`,
		`{"job_type":"x","priority":"urgent"}`,
		`{"job_type":"x","timeout":"soon"}`,
		`{"job_type":"x","max_retries":-1}`,
		`{"job_type":"x","unknown":true}`,
		`not json`,
	}
	for _, body := range cases {
		code, _ := f.do(t, http.MethodPost, "/api/tasks", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
	}

	code, _ := f.do(t, http.MethodGet, "/api/tasks/tsk_missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/jobs", `{"name":"ping","job_type":"http","recurrence":"every 60s","priority":"low"}`)
	require.Equal(t, http.StatusCreated, code, body)
	var job domain.ScheduledJob
	require.NoError(t, json.Unmarshal([]byte(body), &job))
	assert.True(t, job.Enabled)
	assert.Equal(t, domain.PriorityLow, job.Priority)
	assert.False(t, job.NextRunAt.IsZero())

	code, body = f.do(t, http.MethodPut, "/api/jobs/"+job.ID, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, code, body)
	var updated domain.ScheduledJob
	require.NoError(t, json.Unmarshal([]byte(body), &updated))
	assert.False(t, updated.Enabled)
	assert.Equal(t, "every 60s", updated.Recurrence)

	code, body = f.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, code)
	var jobs []domain.ScheduledJob
	require.NoError(t, json.Unmarshal([]byte(body), &jobs))
	assert.Len(t, jobs, 1)

	code, _ = f.do(t, http.MethodPost, "/api/jobs", `{"job_type":"http","recurrence":"sometimes"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/jobs", `{"job_type":"http"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodPut, "/api/jobs/"+job.ID, `{}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWebhookEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/webhooks", `{"url":"http://example.test/h","event_types":["task.*"],"secret":"s"}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.NotContains(t, body, `"secret"`)
	var created struct {
		ID        string `json:"id"`
		HasSecret bool   `json:"has_secret"`
		Enabled   bool   `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.True(t, created.HasSecret)
	assert.True(t, created.Enabled)

	code, body = f.do(t, http.MethodPut, "/api/webhooks/"+created.ID, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"enabled":false`)

	code, body = f.do(t, http.MethodGet, "/api/webhooks/"+created.ID+"/deliveries", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)

	code, _ = f.do(t, http.MethodPost, "/api/webhooks", `{"url":"ftp://nope"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodDelete, "/api/webhooks/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, "/api/webhooks/"+created.ID+"/deliveries", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthSnapshotAndMetrics(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Submit(f.sched.NewTask("x", nil, domain.PriorityNormal))
	require.NoError(t, err)

	code, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","scheduler":"stopped"}`, body)

	code, body = f.do(t, http.MethodGet, "/api/scheduler", "")
	require.Equal(t, http.StatusOK, code)
	var snap scheduler.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, 1, snap.Queued)
	require.NotNil(t, snap.Next)

	code, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "localq_tasks_submitted_total 1")
}

type historyStub map[string]domain.TaskSnapshot

func (h historyStub) GetTask(_ context.Context, id string) (domain.TaskSnapshot, error) {
	if t, ok := h[id]; ok {
		return t, nil
	}
	return domain.TaskSnapshot{}, domain.ErrNotFound
}

func TestGetTaskFallsBackToHistory(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Workers: 1}, worker.NewRegistry(), nil)
	history := historyStub{"tsk_old": {ID: "tsk_old", JobType: "x", Status: domain.StatusCompleted}}
	h := NewServer(sched, nil, Options{History: history, Log: zerolog.Nop()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/tsk_old", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/tsk_gone", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrInvalidState))
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.ErrInvalidTask))
	assert.Equal(t, http.StatusBadRequest, statusFor(webhook.ErrInvalidWebhook))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
