package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"localq/internal/domain"
)

// Open opens a SQLite database at path (":memory:" is accepted) and applies
// the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  job_type TEXT NOT NULL,
  job_id TEXT,
  priority INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','retrying','cancelled')),
  payload BLOB,
  retry_count INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 0,
  timeout_ms INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  created_at TEXT NOT NULL,
  started_at TEXT,
  completed_at TEXT,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
CREATE TABLE IF NOT EXISTS scheduled_jobs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  job_type TEXT NOT NULL,
  recurrence TEXT NOT NULL,
  payload BLOB,
  priority INTEGER NOT NULL,
  max_retries INTEGER NOT NULL DEFAULT 0,
  timeout_ms INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  start_at TEXT,
  next_run_at TEXT NOT NULL,
  last_run_at TEXT,
  last_error TEXT,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON scheduled_jobs(enabled, next_run_at);
CREATE TABLE IF NOT EXISTS webhooks (
  id TEXT PRIMARY KEY,
  url TEXT NOT NULL,
  event_types TEXT NOT NULL,
  secret TEXT,
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL,
  webhook_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  status_code INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id, seq DESC);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

type Repository interface {
	SaveTask(ctx context.Context, t domain.TaskSnapshot) error
	GetTask(ctx context.Context, id string) (domain.TaskSnapshot, error)
	ListTasks(ctx context.Context, limit int) ([]domain.TaskSnapshot, error)
	ListUnfinishedTasks(ctx context.Context) ([]domain.TaskSnapshot, error)

	SaveJob(ctx context.Context, j domain.ScheduledJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]domain.ScheduledJob, error)

	SaveWebhook(ctx context.Context, w domain.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context) ([]domain.Webhook, error)
	AppendDelivery(ctx context.Context, d domain.Delivery) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.Delivery, error)

	Close() error
}

type SQLiteRepo struct{ db *sql.DB }

var _ Repository = (*SQLiteRepo)(nil)

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

func (r *SQLiteRepo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const taskColumns = `id,job_type,job_id,priority,status,payload,retry_count,attempts,max_retries,timeout_ms,last_error,created_at,started_at,completed_at`

// SaveTask inserts or updates a task. A row already in a terminal state is
// left untouched.
func (r *SQLiteRepo) SaveTask(ctx context.Context, t domain.TaskSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  retry_count=excluded.retry_count,
  attempts=excluded.attempts,
  last_error=excluded.last_error,
  started_at=excluded.started_at,
  completed_at=excluded.completed_at,
  updated_at=excluded.updated_at
WHERE tasks.status NOT IN ('completed','failed','cancelled')
`, t.ID, t.JobType, nullStr(t.JobID), int(t.Priority), string(t.Status), []byte(t.Payload),
		t.RetryCount, t.Attempts, t.MaxRetries, t.Timeout.Milliseconds(), nullStr(t.LastError),
		formatTime(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), formatTime(time.Now()))
	return err
}

func (r *SQLiteRepo) GetTask(ctx context.Context, id string) (domain.TaskSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t, err
}

// ListTasks returns the most recently created tasks first. limit <= 0 means all.
func (r *SQLiteRepo) ListTasks(ctx context.Context, limit int) ([]domain.TaskSnapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListUnfinishedTasks returns non-terminal tasks in creation order.
func (r *SQLiteRepo) ListUnfinishedTasks(ctx context.Context) ([]domain.TaskSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status IN ('pending','running','retrying')
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

type scanner interface{ Scan(dest ...any) error }

func scanTask(row scanner) (domain.TaskSnapshot, error) {
	var (
		t                  domain.TaskSnapshot
		jobID, lastErr     sql.NullString
		started, completed sql.NullString
		created, status    string
		priority           int
		timeoutMS          int64
		payload            []byte
	)
	if err := row.Scan(&t.ID, &t.JobType, &jobID, &priority, &status, &payload, &t.RetryCount, &t.Attempts,
		&t.MaxRetries, &timeoutMS, &lastErr, &created, &started, &completed); err != nil {
		return domain.TaskSnapshot{}, err
	}
	t.JobID = jobID.String
	t.Priority = domain.Priority(priority)
	t.Status = domain.Status(status)
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	t.LastError = lastErr.String
	t.CreatedAt = parseTime(created)
	t.StartedAt = parseTime(started.String)
	t.CompletedAt = parseTime(completed.String)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.TaskSnapshot, error) {
	defer rows.Close()
	var out []domain.TaskSnapshot
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) SaveJob(ctx context.Context, j domain.ScheduledJob) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_jobs (id,name,job_type,recurrence,payload,priority,max_retries,timeout_ms,enabled,start_at,next_run_at,last_run_at,last_error,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  job_type=excluded.job_type,
  recurrence=excluded.recurrence,
  payload=excluded.payload,
  priority=excluded.priority,
  max_retries=excluded.max_retries,
  timeout_ms=excluded.timeout_ms,
  enabled=excluded.enabled,
  start_at=excluded.start_at,
  next_run_at=excluded.next_run_at,
  last_run_at=excluded.last_run_at,
  last_error=excluded.last_error
`, j.ID, j.Name, j.JobType, j.Recurrence, []byte(j.Payload), int(j.Priority), j.MaxRetries, j.Timeout.Milliseconds(),
		j.Enabled, nullTime(j.StartAt), formatTime(j.NextRunAt), nullTime(j.LastRunAt), nullStr(j.LastError), formatTime(j.CreatedAt))
	return err
}

func (r *SQLiteRepo) DeleteJob(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM scheduled_jobs WHERE id=?", id)
	return err
}

func (r *SQLiteRepo) ListJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,job_type,recurrence,payload,priority,max_retries,timeout_ms,enabled,start_at,next_run_at,last_run_at,last_error,created_at
FROM scheduled_jobs ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.ScheduledJob
	for rows.Next() {
		var (
			j                       domain.ScheduledJob
			payload                 []byte
			priority                int
			timeoutMS               int64
			startAt, lastRun, lastE sql.NullString
			nextRun, created        string
		)
		if err := rows.Scan(&j.ID, &j.Name, &j.JobType, &j.Recurrence, &payload, &priority, &j.MaxRetries, &timeoutMS,
			&j.Enabled, &startAt, &nextRun, &lastRun, &lastE, &created); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			j.Payload = json.RawMessage(payload)
		}
		j.Priority = domain.Priority(priority)
		j.Timeout = time.Duration(timeoutMS) * time.Millisecond
		j.StartAt = parseTime(startAt.String)
		j.NextRunAt = parseTime(nextRun)
		j.LastRunAt = parseTime(lastRun.String)
		j.LastError = lastE.String
		j.CreatedAt = parseTime(created)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepo) SaveWebhook(ctx context.Context, w domain.Webhook) error {
	types, err := json.Marshal(w.EventTypes)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO webhooks (id,url,event_types,secret,enabled,created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  url=excluded.url,
  event_types=excluded.event_types,
  secret=excluded.secret,
  enabled=excluded.enabled
`, w.ID, w.URL, string(types), nullStr(w.Secret), w.Enabled, formatTime(w.CreatedAt))
	return err
}

func (r *SQLiteRepo) DeleteWebhook(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM webhooks WHERE id=?", id)
	return err
}

func (r *SQLiteRepo) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,url,event_types,secret,enabled,created_at FROM webhooks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []domain.Webhook
	for rows.Next() {
		var (
			w              domain.Webhook
			types, created string
			secret         sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.URL, &types, &secret, &w.Enabled, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(types), &w.EventTypes); err != nil {
			return nil, fmt.Errorf("webhook %s event types: %w", w.ID, err)
		}
		w.Secret = secret.String
		w.CreatedAt = parseTime(created)
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (r *SQLiteRepo) AppendDelivery(ctx context.Context, d domain.Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO webhook_deliveries (id,webhook_id,event_type,status_code,attempts,success,error,at)
VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.WebhookID, d.EventType, d.StatusCode, d.Attempts, d.Success, nullStr(d.Error), formatTime(d.At))
	return err
}

// ListDeliveries returns the newest deliveries for a webhook first.
func (r *SQLiteRepo) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,webhook_id,event_type,status_code,attempts,success,error,at
FROM webhook_deliveries WHERE webhook_id=? ORDER BY seq DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var (
			d      domain.Delivery
			errStr sql.NullString
			at     string
		)
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.StatusCode, &d.Attempts, &d.Success, &errStr, &at); err != nil {
			return nil, err
		}
		d.Error = errStr.String
		d.At = parseTime(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}
		}
	}
	return t
}
