package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"localq/internal/domain"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// Registry maps job types to handlers. It is filled at start-up and read by the scheduler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return errors.New("job type cannot be empty")
	}
	if h == nil {
		return errors.New("handler cannot be nil")
	}
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrHandlerNotFound, jobType)
	}
	return h, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Source is where workers take tasks from.
type Source interface {
	Dequeue(ctx context.Context) (*domain.Task, error)
}

// ExecFunc runs one dequeued task to a terminal or retrying state.
type ExecFunc func(task *domain.Task)

// Pool is a fixed set of goroutines draining a Source.
type Pool struct {
	src  Source
	exec ExecFunc
	size int
	log  zerolog.Logger
	wg   sync.WaitGroup
}

func NewPool(src Source, exec ExecFunc, size int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{src: src, exec: exec, size: size, log: log}
}

func (p *Pool) Size() int { return p.size }

// Run starts the workers. They stop taking new tasks once ctx is done; a task
// already handed to exec runs to completion.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

func (p *Pool) loop(ctx context.Context, idx int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", idx).Logger()
	for {
		task, err := p.src.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, domain.ErrQueueClosed) {
				log.Error().Err(err).Msg("dequeue failed")
			}
			return
		}
		p.exec(task)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }
