package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"localq/internal/domain"
	"localq/internal/eventbus"
)

// Gauges reports point-in-time values sampled at scrape time.
type Gauges struct {
	Queued   int
	InFlight int
	Retrying int
	Jobs     int
	Webhooks int
	Pending  int // webhook deliveries waiting
}

type Metrics struct {
	// counters
	tasksSubmitted atomic.Uint64
	tasksStarted   atomic.Uint64
	tasksCompleted atomic.Uint64
	tasksFailed    atomic.Uint64
	tasksRetried   atomic.Uint64
	tasksCancelled atomic.Uint64
	jobsFired      atomic.Uint64
	jobsDisabled   atomic.Uint64

	gauges func() Gauges
}

func New() *Metrics { return &Metrics{} }

// SetGauges installs the sampler used by Handler.
func (m *Metrics) SetGauges(fn func() Gauges) { m.gauges = fn }

// Observe counts one event. It is meant to be subscribed to the event bus.
func (m *Metrics) Observe(e domain.Event) error {
	switch e.Type {
	case domain.EventTaskSubmitted:
		m.tasksSubmitted.Add(1)
	case domain.EventTaskStarted:
		m.tasksStarted.Add(1)
	case domain.EventTaskCompleted:
		m.tasksCompleted.Add(1)
	case domain.EventTaskFailed:
		m.tasksFailed.Add(1)
	case domain.EventTaskRetrying:
		m.tasksRetried.Add(1)
	case domain.EventTaskCancelled:
		m.tasksCancelled.Add(1)
	case domain.EventJobFired:
		m.jobsFired.Add(1)
	case domain.EventJobDisabled:
		m.jobsDisabled.Add(1)
	}
	return nil
}

func (m *Metrics) Attach(bus *eventbus.Bus) func() { return bus.Subscribe("metrics", m.Observe) }

func (m *Metrics) Completed() uint64 { return m.tasksCompleted.Load() }
func (m *Metrics) Failed() uint64    { return m.tasksFailed.Load() }

// Handler writes the counters in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var g Gauges
		if m.gauges != nil {
			g = m.gauges()
		}
		w.Header().Set("content-type", "text/plain; version=0.0.4")
		fmt.Fprintf(w,
			"localq_up 1\n"+
				"localq_tasks_submitted_total %d\n"+
				"localq_tasks_started_total %d\n"+
				"localq_tasks_completed_total %d\n"+
				"localq_tasks_failed_total %d\n"+
				"localq_tasks_retried_total %d\n"+
				"localq_tasks_cancelled_total %d\n"+
				"localq_jobs_fired_total %d\n"+
				"localq_jobs_disabled_total %d\n"+
				"localq_queue_depth %d\n"+
				"localq_inflight %d\n"+
				"localq_retrying %d\n"+
				"localq_jobs %d\n"+
				"localq_webhooks %d\n"+
				"localq_webhook_pending %d\n",
			m.tasksSubmitted.Load(),
			m.tasksStarted.Load(),
			m.tasksCompleted.Load(),
			m.tasksFailed.Load(),
			m.tasksRetried.Load(),
			m.tasksCancelled.Load(),
			m.jobsFired.Load(),
			m.jobsDisabled.Load(),
			g.Queued, g.InFlight, g.Retrying, g.Jobs, g.Webhooks, g.Pending,
		)
	})
}
