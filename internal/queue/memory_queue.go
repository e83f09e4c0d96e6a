package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a synchronous in-process queue for tests. Jobs are held
// until FireDue (or FireAll) is called, which runs handlers inline.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     map[string]memoryJob
	handlers map[string]Handler
}

type memoryJob struct {
	job    Job
	fireAt time.Time
	opts   Options
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:     map[string]memoryJob{},
		handlers: map[string]Handler{},
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job, opts Options) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[job.ID]; exists {
		return nil
	}
	q.jobs[job.ID] = memoryJob{job: job, fireAt: time.Now().Add(opts.Delay), opts: opts}
	return nil
}

func (q *MemoryQueue) Process(jobType string, _ int, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// Pending returns the IDs of all scheduled jobs, sorted.
func (q *MemoryQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FireAll delivers every scheduled job regardless of fire time.
func (q *MemoryQueue) FireAll(ctx context.Context) {
	q.fire(ctx, time.Time{})
}

// FireDue delivers jobs whose fire time is at or before now.
func (q *MemoryQueue) FireDue(ctx context.Context, now time.Time) {
	q.fire(ctx, now)
}

func (q *MemoryQueue) fire(ctx context.Context, now time.Time) {
	q.mu.Lock()
	var due []memoryJob
	for id, mj := range q.jobs {
		if now.IsZero() || !mj.fireAt.After(now) {
			due = append(due, mj)
			delete(q.jobs, id)
		}
	}
	handlers := q.handlers
	q.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].fireAt.Before(due[j].fireAt) })
	for _, mj := range due {
		if h, ok := handlers[mj.job.Type]; ok {
			mj.job.Attempt++
			_ = h(ctx, mj.job)
		}
	}
}
