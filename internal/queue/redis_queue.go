package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

const (
	scheduledKey  = "plt_approvals:jobs:scheduled"
	jobDataPrefix = "plt_approvals:jobs:data:"

	// Scheduled job data lives at most this long; fired jobs delete their
	// data eagerly, this only bounds leakage from crashed deliveries.
	jobDataTTL = 7 * 24 * time.Hour
)

// jobEnvelope is the persisted form of a job plus its retry policy.
type jobEnvelope struct {
	Job      Job           `json:"job"`
	Attempts int           `json:"attempts"`
	Backoff  time.Duration `json:"backoff"`
}

// RedisQueue is a delayed-job queue on a Redis sorted set. Due jobs are
// claimed with ZREM so each delivery goes to exactly one worker; retries
// re-schedule with exponential backoff.
type RedisQueue struct {
	client       *redis.Client
	log          *logger.Logger
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]processorEntry

	stop chan struct{}
	done chan struct{}
}

type processorEntry struct {
	handler Handler
	sem     chan struct{}
}

// NewRedisQueue creates a queue poller. Call Run to start claiming jobs.
func NewRedisQueue(client *redis.Client, pollInterval time.Duration, log *logger.Logger) *RedisQueue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &RedisQueue{
		client:       client,
		log:          log,
		pollInterval: pollInterval,
		handlers:     map[string]processorEntry{},
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Enqueue schedules a job for delivery after opts.Delay. Jobs whose ID is
// already scheduled are left untouched.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, opts Options) error {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	env := jobEnvelope{Job: job, Attempts: opts.Attempts, Backoff: opts.Backoff}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	// SET NX is the dedupe gate: a second enqueue of the same job ID while
	// the first is still scheduled is dropped.
	set, err := q.client.SetNX(ctx, jobDataPrefix+job.ID, data, jobDataTTL).Result()
	if err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	if !set {
		q.log.Debug().Str("job_id", job.ID).Str("job_type", job.Type).Msg("queue: job already scheduled, skipping")
		return nil
	}

	fireAt := time.Now().Add(opts.Delay)
	if err := q.client.ZAdd(ctx, scheduledKey, &redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return nil
}

// Process registers a handler for a job type. Must be called before Run.
func (q *RedisQueue) Process(jobType string, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = processorEntry{handler: handler, sem: make(chan struct{}, concurrency)}
}

// Run polls for due jobs until ctx is canceled or Shutdown is called.
func (q *RedisQueue) Run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			q.drainDue(ctx)
		}
	}
}

// Shutdown stops the poll loop and waits for it to exit.
func (q *RedisQueue) Shutdown() {
	close(q.stop)
	<-q.done
}

func (q *RedisQueue) drainDue(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100,
	}).Result()
	if err != nil {
		q.log.Warn().Err(err).Msg("queue: failed to read due jobs")
		return
	}

	for _, id := range ids {
		// ZREM is the claim: only the worker that removes the member owns it.
		removed, err := q.client.ZRem(ctx, scheduledKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		q.deliver(ctx, id)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, id string) {
	dataKey := jobDataPrefix + id
	data, err := q.client.Get(ctx, dataKey).Result()
	if err != nil {
		q.log.Warn().Err(err).Str("job_id", id).Msg("queue: claimed job has no data")
		return
	}
	q.client.Del(ctx, dataKey)

	var env jobEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		q.log.Error().Err(err).Str("job_id", id).Msg("queue: corrupt job envelope, dropping")
		return
	}

	q.mu.RLock()
	entry, ok := q.handlers[env.Job.Type]
	q.mu.RUnlock()
	if !ok {
		q.log.Warn().Str("job_id", id).Str("job_type", env.Job.Type).Msg("queue: no handler registered, dropping")
		return
	}

	entry.sem <- struct{}{}
	go func() {
		defer func() { <-entry.sem }()
		q.handle(ctx, entry.handler, env)
	}()
}

func (q *RedisQueue) handle(ctx context.Context, handler Handler, env jobEnvelope) {
	job := env.Job
	job.Attempt++

	err := handler(ctx, job)
	if err == nil {
		return
	}

	if job.Attempt >= env.Attempts {
		q.log.Error().Err(err).
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Int("attempt", job.Attempt).
			Msg("queue: job failed, attempts exhausted")
		return
	}

	backoff := env.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	delay := backoff << (job.Attempt - 1)

	q.log.Warn().Err(err).
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Int("attempt", job.Attempt).
		Dur("retry_in", delay).
		Msg("queue: job failed, scheduling retry")

	retry := env
	retry.Job = job
	data, err := json.Marshal(retry)
	if err != nil {
		return
	}
	// Retries bypass the NX dedupe gate: the data key was deleted on claim,
	// and the attempt counter must advance.
	if err := q.client.Set(ctx, jobDataPrefix+job.ID, data, jobDataTTL).Err(); err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("queue: failed to persist retry")
		return
	}
	q.client.ZAdd(ctx, scheduledKey, &redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
}
