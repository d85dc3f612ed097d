package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"localq/internal/domain"
)

type item struct {
	task  *domain.Task
	seq   uint64
	index int
}

// taskHeap orders by (priority ascending, enqueue sequence ascending).
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a priority-ordered holding area for pending tasks. It is safe for
// concurrent producers and consumers.
type Queue struct {
	mu     sync.Mutex
	h      taskHeap
	byID   map[string]*item
	seq    uint64
	closed bool

	// notify is closed and replaced on every enqueue so blocked consumers wake up.
	notify chan struct{}

	now func() time.Time
}

func New() *Queue {
	return &Queue{
		byID:   make(map[string]*item),
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Enqueue inserts a pending task.
func (q *Queue) Enqueue(t *domain.Task) error {
	if t == nil || t.ID == "" || t.JobType == "" {
		return fmt.Errorf("%w: task requires id and job type", domain.ErrInvalidTask)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: task %s has priority %d", domain.ErrInvalidTask, t.ID, int(t.Priority))
	}
	st := t.Status()
	if st.Terminal() {
		return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidState, t.ID, st)
	}
	if st != domain.StatusPending {
		return fmt.Errorf("%w: task %s is %s, want pending", domain.ErrInvalidTask, t.ID, st)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrQueueClosed
	}
	if _, ok := q.byID[t.ID]; ok {
		return fmt.Errorf("%w: task %s already queued", domain.ErrInvalidTask, t.ID)
	}
	q.seq++
	it := &item{task: t, seq: q.seq}
	heap.Push(&q.h, it)
	q.byID[t.ID] = it

	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// Dequeue blocks until a task is available and returns the highest-priority,
// oldest task, already marked running. It returns ctx.Err() when ctx is done and
// ErrQueueClosed after Close.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrQueueClosed
		}
		for q.h.Len() > 0 {
			it := heap.Pop(&q.h).(*item)
			delete(q.byID, it.task.ID)
			// A task cancelled behind our back is skipped, not handed out.
			if err := it.task.Transition(domain.StatusRunning, q.now().UTC()); err != nil {
				continue
			}
			q.mu.Unlock()
			return it.task, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Peek returns a snapshot of the next task without removing it.
func (q *Queue) Peek() (domain.TaskSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return domain.TaskSnapshot{}, false
	}
	return q.h[0].task.Snapshot(), true
}

// Remove drops a queued task. It reports false if the task is not queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byID, id)
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// List returns snapshots in dequeue order. For monitoring only.
func (q *Queue) List() []domain.TaskSnapshot {
	q.mu.Lock()
	cp := make(taskHeap, len(q.h))
	for i, it := range q.h {
		cp[i] = &item{task: it.task, seq: it.seq, index: i}
	}
	q.mu.Unlock()

	heap.Init(&cp)
	out := make([]domain.TaskSnapshot, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*item).task.Snapshot())
	}
	return out
}

// Close wakes all blocked consumers; subsequent Enqueue and Dequeue calls fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
