package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"localq/internal/domain"
	"localq/internal/scheduler"
	"localq/internal/webhook"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	NewTask(jobType string, payload []byte, p domain.Priority) *domain.Task
	Submit(t *domain.Task) (domain.TaskSnapshot, error)
	Task(id string) (domain.TaskSnapshot, error)
	Tasks(limit int) []domain.TaskSnapshot
	Cancel(id string) (domain.TaskSnapshot, error)

	Schedule(job domain.ScheduledJob) (domain.ScheduledJob, error)
	UpdateJob(job domain.ScheduledJob) (domain.ScheduledJob, error)
	RemoveJob(id string) error
	Job(id string) (domain.ScheduledJob, error)
	Jobs() []domain.ScheduledJob

	Snapshot() scheduler.Snapshot
}

// Webhooks is the part of *webhook.Manager the API drives.
type Webhooks interface {
	Create(ctx context.Context, w domain.Webhook) (domain.Webhook, error)
	Get(id string) (domain.Webhook, error)
	List() []domain.Webhook
	Update(ctx context.Context, w domain.Webhook) (domain.Webhook, error)
	Delete(ctx context.Context, id string) error
	Deliveries(ctx context.Context, webhookID string, limit int) ([]domain.Delivery, error)
}

// TaskHistory serves tasks the scheduler no longer keeps in memory.
type TaskHistory interface {
	GetTask(ctx context.Context, id string) (domain.TaskSnapshot, error)
}

type Options struct {
	Debug   bool
	Metrics http.Handler
	History TaskHistory
	Log     zerolog.Logger
}

type Server struct {
	r       *chi.Mux
	sched   Scheduler
	hooks   Webhooks
	history TaskHistory
	log     zerolog.Logger
}

func NewServer(sched Scheduler, hooks Webhooks, opts Options) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, sched: sched, hooks: hooks, history: opts.History, log: opts.Log.With().Str("comp", "api").Logger()}
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get("/api/scheduler", s.snapshot)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.submitTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.cancelTask)
	})
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Put("/{id}", s.updateJob)
		r.Delete("/{id}", s.deleteJob)
	})
	if hooks != nil {
		r.Route("/api/webhooks", func(r chi.Router) {
			r.Post("/", s.createWebhook)
			r.Get("/", s.listWebhooks)
			r.Get("/{id}", s.getWebhook)
			r.Put("/{id}", s.updateWebhook)
			r.Delete("/{id}", s.deleteWebhook)
			r.Get("/{id}/deliveries", s.listDeliveries)
		})
	}

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("dur", time.Since(start)).
			Str("req_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scheduler": s.sched.Snapshot().State})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Snapshot())
}

type submitReq struct {
	JobType    string          `json:"job_type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   string          `json:"priority"`
	MaxRetries *int            `json:"max_retries"`
	Timeout    string          `json:"timeout"`
}

type submitResp struct {
	ID     string        `json:"id"`
	Status domain.Status `json:"status"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.JobType) == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	p, err := domain.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	timeout, err := parseDuration(req.Timeout)
	if err != nil {
		http.Error(w, "invalid timeout: "+err.Error(), http.StatusBadRequest)
		return
	}

	t := s.sched.NewTask(strings.TrimSpace(req.JobType), req.Payload, p)
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	t.Timeout = timeout
	snap, err := s.sched.Submit(t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: snap.ID, Status: snap.Status})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	status := domain.Status(r.URL.Query().Get("status"))
	tasks := s.sched.Tasks(0)
	out := make([]domain.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.sched.Task(id)
	if errors.Is(err, domain.ErrNotFound) && s.history != nil {
		t, err = s.history.GetTask(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type jobReq struct {
	Name       string          `json:"name"`
	JobType    string          `json:"job_type"`
	Recurrence string          `json:"recurrence"`
	Payload    json.RawMessage `json:"payload"`
	Priority   string          `json:"priority"`
	MaxRetries *int            `json:"max_retries"`
	Timeout    string          `json:"timeout"`
	Enabled    *bool           `json:"enabled"`
	StartAt    *time.Time      `json:"start_at"`
}

// apply copies the fields present in req onto job.
func (req jobReq) apply(job *domain.ScheduledJob) error {
	if req.Name != "" {
		job.Name = req.Name
	}
	if req.JobType != "" {
		job.JobType = req.JobType
	}
	if req.Recurrence != "" {
		job.Recurrence = req.Recurrence
	}
	if req.Payload != nil {
		job.Payload = req.Payload
	}
	if req.Priority != "" {
		p, err := domain.ParsePriority(req.Priority)
		if err != nil {
			return err
		}
		job.Priority = p
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.Timeout != "" {
		d, err := parseDuration(req.Timeout)
		if err != nil {
			return errors.Join(domain.ErrInvalidTask, err)
		}
		job.Timeout = d
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.StartAt != nil {
		job.StartAt = *req.StartAt
	}
	return nil
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobReq
	if !decode(w, r, &req) {
		return
	}
	if req.Recurrence == "" {
		http.Error(w, "recurrence is required", http.StatusBadRequest)
		return
	}
	job := domain.ScheduledJob{Priority: domain.PriorityNormal, Enabled: true}
	if err := req.apply(&job); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.sched.Schedule(job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Jobs())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req jobReq
	if !decode(w, r, &req) {
		return
	}
	if err := req.apply(&job); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.sched.UpdateJob(job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RemoveJob(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type webhookReq struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	Secret     *string  `json:"secret"`
	Enabled    *bool    `json:"enabled"`
}

func (req webhookReq) apply(h *domain.Webhook) {
	if req.URL != "" {
		h.URL = req.URL
	}
	if req.EventTypes != nil {
		h.EventTypes = req.EventTypes
	}
	if req.Secret != nil {
		h.Secret = *req.Secret
	}
	if req.Enabled != nil {
		h.Enabled = *req.Enabled
	}
}

// webhookView hides the signing secret.
type webhookView struct {
	domain.Webhook
	Secret    string `json:"secret,omitempty"`
	HasSecret bool   `json:"has_secret"`
}

func view(h domain.Webhook) webhookView {
	return webhookView{Webhook: h, HasSecret: h.Secret != ""}
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookReq
	if !decode(w, r, &req) {
		return
	}
	h := domain.Webhook{Enabled: true}
	req.apply(&h)
	created, err := s.hooks.Create(r.Context(), h)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(created))
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks := s.hooks.List()
	out := make([]webhookView, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, view(h))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	h, err := s.hooks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(h))
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	h, err := s.hooks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req webhookReq
	if !decode(w, r, &req) {
		return
	}
	req.apply(&h)
	updated, err := s.hooks.Update(r.Context(), h)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(updated))
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.hooks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	ds, err := s.hooks.Deliveries(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if ds == nil {
		ds = []domain.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTask), errors.Is(err, webhook.ErrInvalidWebhook):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
