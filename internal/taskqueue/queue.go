// Package taskqueue runs named background jobs on a fixed pool of workers. Jobs
// can be delayed, listed while pending or running, and cancelled.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateScheduled State = "scheduled"
	StateReserved  State = "reserved"
	StateActive    State = "active"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var (
	ErrNotFound = errors.New("task not found")
	ErrFinished = errors.New("task already finished")
)

// Func is the body of a task. It must return when ctx is cancelled.
type Func func(ctx context.Context) error

// Task is a snapshot of one job.
type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      State     `json:"state"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RunAt      time.Time `json:"run_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Error      string    `json:"error,omitempty"`
}

type job struct {
	Task
	fn        Func
	timer     *time.Timer
	cancel    context.CancelFunc
	cancelled bool
}

// Queue keeps tasks in memory; finished ones are trimmed to the newest history.
type Queue struct {
	workers int
	history int
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	pending []*job
	wake    chan struct{}
}

func New(workers int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		workers: workers,
		history: 100,
		logger:  logger.With("component", "taskqueue"),
		jobs:    make(map[string]*job),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a task that becomes runnable after countdown.
func (q *Queue) Enqueue(name string, fn Func, countdown time.Duration) Task {
	now := time.Now()
	j := &job{
		Task: Task{
			ID:         uuid.NewString(),
			Name:       name,
			State:      StateScheduled,
			EnqueuedAt: now,
			RunAt:      now.Add(countdown),
		},
		fn: fn,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs[j.ID] = j
	q.order = append(q.order, j.ID)

	if countdown <= 0 {
		q.reserveLocked(j)
	} else {
		j.timer = time.AfterFunc(countdown, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if j.State == StateScheduled {
				q.reserveLocked(j)
			}
		})
	}

	q.logger.Debug("task enqueued", "id", j.ID, "name", name, "countdown", countdown)
	return j.Task
}

func (q *Queue) reserveLocked(j *job) {
	j.State = StateReserved
	q.pending = append(q.pending, j)
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// List returns every tracked task in enqueue order.
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		tasks = append(tasks, q.jobs[id].Task)
	}
	return tasks
}

func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return Task{}, false
	}
	return j.Task, true
}

// Cancel stops a task. A pending task never runs; a running task has its
// context cancelled.
func (q *Queue) Cancel(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return Task{}, ErrNotFound
	}

	switch j.State {
	case StateScheduled:
		j.timer.Stop()
		q.finishLocked(j, StateCancelled, nil)
	case StateReserved:
		for i, p := range q.pending {
			if p == j {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		q.finishLocked(j, StateCancelled, nil)
	case StateActive:
		j.cancelled = true
		j.cancel()
	default:
		return j.Task, ErrFinished
	}

	q.logger.Info("task cancelled", "id", j.ID, "name", j.Name)
	return j.Task, nil
}

// Run starts the workers and blocks until ctx is done and every running task
// has returned.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("task queue started", "workers", q.workers)

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()

	q.logger.Info("task queue stopped")
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context) {
	for {
		if j := q.next(); j != nil {
			q.run(ctx, j)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.signal()
	}
	return j
}

func (q *Queue) run(ctx context.Context, j *job) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	j.State = StateActive
	j.StartedAt = time.Now()
	j.cancel = cancel
	q.mu.Unlock()

	q.logger.Info("task started", "id", j.ID, "name", j.Name)
	err := q.call(taskCtx, j.fn)

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case j.cancelled:
		q.finishLocked(j, StateCancelled, err)
	case err != nil:
		q.finishLocked(j, StateFailed, err)
	default:
		q.finishLocked(j, StateSucceeded, nil)
	}

	q.logger.Info("task finished",
		"id", j.ID,
		"name", j.Name,
		"state", j.State,
		"duration", j.FinishedAt.Sub(j.StartedAt),
	)
}

func (q *Queue) call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx)
}

func (q *Queue) finishLocked(j *job, state State, err error) {
	j.State = state
	j.FinishedAt = time.Now()
	if err != nil {
		j.Error = err.Error()
	}
	q.trimLocked()
}

func (q *Queue) trimLocked() {
	finished := 0
	for _, id := range q.order {
		if q.jobs[id].State.Finished() {
			finished++
		}
	}

	kept := q.order[:0]
	for _, id := range q.order {
		if finished > q.history && q.jobs[id].State.Finished() {
			delete(q.jobs, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}
