package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/async"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// Handler processes one job. Errors are logged; jobs are not retried.
type Handler func(ctx context.Context, job Job) error

// Queue accepts Send requests for background delivery.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (Job, error)
	Depth(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func stamp(job Job) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return job
}

// MemoryQueue runs jobs on an in-process worker pool. Queued jobs are lost
// if the process exits.
type MemoryQueue struct {
	pool    *async.WorkerPool
	handler Handler
}

// NewMemoryQueue starts a pool of cfg.Workers workers.
func NewMemoryQueue(ctx context.Context, handler Handler, cfg async.PoolConfig, logger *observability.Logger) *MemoryQueue {
	if cfg.Name == "" {
		cfg.Name = "notifications"
	}
	return &MemoryQueue{pool: async.NewWorkerPool(ctx, cfg, logger), handler: handler}
}

// Enqueue submits job without blocking. A full queue is reported as
// apperr.RateLimited.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	job = stamp(job)
	err := q.pool.Submit(func(ctx context.Context) error {
		return q.handler(ctx, job)
	})
	if errors.Is(err, async.ErrPoolFull) {
		return job, apperr.RateLimited("notification queue is full")
	}
	return job, err
}

// Depth returns the number of jobs waiting for a worker.
func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	return int64(q.pool.Pending()), nil
}

// Close drains queued jobs.
func (q *MemoryQueue) Close(ctx context.Context) error {
	return q.pool.Shutdown(ctx)
}

// RedisQueueConfig configures a RedisQueue.
type RedisQueueConfig struct {
	// Key names the pending list. Each instance keeps its in-flight jobs in
	// Key+":processing:"+id and holds a lease at Key+":lease:"+id.
	Key     string
	Workers int
	// PollTimeout bounds each blocking pop so workers notice shutdown.
	PollTimeout time.Duration
	// JobTimeout bounds each job.
	JobTimeout time.Duration
	// LeaseTTL is how long an instance may go without renewing its lease
	// before other instances requeue its in-flight jobs.
	LeaseTTL time.Duration
}

// RedisQueue is a Redis list consumed with BRPOPLPUSH. A worker atomically
// moves a job into its instance's processing list and removes it once
// handled. When an instance stops renewing its lease, the jobs left in its
// processing list are requeued by whichever instance runs Recover next.
type RedisQueue struct {
	client     *redis.Client
	cfg        RedisQueueConfig
	id         string
	instances  string
	processing string
	handler    Handler
	logger     *observability.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue creates a queue. Call Start to begin consuming.
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig, handler Handler, logger *observability.Logger) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "fleetwise:notifications"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if logger == nil {
		logger = observability.Default()
	}
	id := uuid.NewString()
	return &RedisQueue{
		client:     client,
		cfg:        cfg,
		id:         id,
		instances:  cfg.Key + ":instances",
		processing: processingKey(cfg.Key, id),
		handler:    handler,
		logger:     logger.WithField("queue", cfg.Key).WithField("instance", id),
	}
}

func processingKey(key, id string) string { return key + ":processing:" + id }

func leaseKey(key, id string) string { return key + ":lease:" + id }

// Enqueue pushes job onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	job = stamp(job)
	raw, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.cfg.Key, raw).Err(); err != nil {
		return job, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return job, nil
}

// Depth returns the length of the pending list.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.cfg.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// Recover requeues the in-flight jobs of every registered instance whose
// lease has lapsed and forgets those instances. Jobs held by live
// instances are left alone.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	ids, err := q.client.SMembers(ctx, q.instances).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list queue instances: %w", err)
	}
	moved := 0
	for _, id := range ids {
		if id == q.id {
			continue
		}
		live, err := q.client.Exists(ctx, leaseKey(q.cfg.Key, id)).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to read queue lease: %w", err)
		}
		if live > 0 {
			continue
		}
		n, err := q.requeue(ctx, processingKey(q.cfg.Key, id))
		moved += n
		if err != nil {
			return moved, err
		}
		if err := q.client.SRem(ctx, q.instances, id).Err(); err != nil {
			return moved, fmt.Errorf("failed to forget queue instance: %w", err)
		}
	}
	return moved, nil
}

// requeue moves every job in list back to the pending list.
func (q *RedisQueue) requeue(ctx context.Context, list string) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, list, q.cfg.Key).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover jobs: %w", err)
		}
		moved++
	}
}

func (q *RedisQueue) renewLease(ctx context.Context) error {
	if err := q.client.Set(ctx, leaseKey(q.cfg.Key, q.id), time.Now().UTC().Format(time.RFC3339), q.cfg.LeaseTTL).Err(); err != nil {
		return fmt.Errorf("failed to renew queue lease: %w", err)
	}
	return nil
}

// Start registers the instance, recovers abandoned jobs and starts the
// workers.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}

	if err := q.renewLease(ctx); err != nil {
		return err
	}
	if err := q.client.SAdd(ctx, q.instances, q.id).Err(); err != nil {
		return fmt.Errorf("failed to register queue instance: %w", err)
	}
	q.recover(ctx)

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
	q.wg.Add(1)
	go q.heartbeat(ctx)
	return nil
}

func (q *RedisQueue) recover(ctx context.Context) {
	moved, err := q.Recover(ctx)
	if err != nil {
		q.logger.WithError(err).Warn("failed to recover notification jobs")
	}
	if moved > 0 {
		q.logger.WithField("jobs", moved).Info("requeued abandoned notification jobs")
	}
}

// heartbeat renews the lease and sweeps lapsed instances until ctx ends.
func (q *RedisQueue) heartbeat(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.renewLease(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.WithError(err).Warn("notification queue heartbeat failed")
				continue
			}
			q.recover(ctx)
		}
	}
}

func (q *RedisQueue) work(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := q.logger.WithField("worker", id)

	for ctx.Err() == nil {
		raw, err := q.client.BRPopLPush(ctx, q.cfg.Key, q.processing, q.cfg.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("failed to pop notification job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		q.process(ctx, logger, raw)

		// The job leaves the processing list whatever the outcome.
		if err := q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, raw).Err(); err != nil {
			logger.WithError(err).Warn("failed to acknowledge notification job")
		}
	}
}

func (q *RedisQueue) process(ctx context.Context, logger *observability.Logger, raw string) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		logger.WithError(err).Warn("dropping malformed notification job")
		return
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.JobTimeout)
	defer cancel()
	jobCtx = observability.WithLogger(jobCtx, logger)

	err := async.Run(jobCtx, func(ctx context.Context) error { return q.handler(ctx, job) })
	if err != nil {
		logger.WithError(err).WithField("job_id", job.ID).Warn("notification job failed")
	}
}

// Close stops the workers and waits for in-flight jobs.
func (q *RedisQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("notification queue shutdown: %w", ctx.Err())
	}

	// Anything still held was never acknowledged; hand it back before
	// giving up the lease.
	ctx = context.WithoutCancel(ctx)
	moved, err := q.requeue(ctx, q.processing)
	if err != nil {
		return err
	}
	if moved > 0 {
		q.logger.WithField("jobs", moved).Warn("requeued unacknowledged notification jobs")
	}
	if err := q.client.SRem(ctx, q.instances, q.id).Err(); err != nil {
		return fmt.Errorf("failed to deregister queue instance: %w", err)
	}
	return q.client.Del(ctx, leaseKey(q.cfg.Key, q.id)).Err()
}
