package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of delayed work. ID is caller-assigned; enqueueing a job
// whose ID is already scheduled is a no-op, which gives callers a cheap
// dedupe handle (timer rehydration relies on this).
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Options controls scheduling and retry for one enqueue.
type Options struct {
	Delay    time.Duration // time until first delivery
	Attempts int           // total delivery attempts (min 1)
	Backoff  time.Duration // exponential backoff base between attempts
}

// Handler processes a delivered job. A non-nil error triggers a retry until
// the job's attempts are exhausted. Delivery is at-least-once.
type Handler func(ctx context.Context, job Job) error

// Queue is the delayed-job collaborator contract.
type Queue interface {
	Enqueue(ctx context.Context, job Job, opts Options) error
	Process(jobType string, concurrency int, handler Handler)
}
