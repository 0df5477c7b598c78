package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

var (
	// ErrPoolFull is returned by Submit when the queue buffer is full.
	ErrPoolFull = errors.New("worker pool queue is full")
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool shut down")
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

// SafeGo runs fn in a goroutine with panic recovery and a timeout. The task
// keeps the values of parentCtx (logger, request id) but not its
// cancellation, so work started from a request outlives the response.
// Errors and panics are logged and swallowed.
//
//	async.SafeGo(r.Context(), 5*time.Second, "broadcast vehicle.status-updated", func(ctx context.Context) error {
//	    return publisher.Publish(ctx, event)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn Task) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		if err := Run(ctx, fn); err != nil {
			observability.FromContext(ctx).WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// Run calls fn, converting a panic into an error.
func Run(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	Name      string
	Workers   int
	QueueSize int
	// Timeout bounds each task.
	Timeout time.Duration
}

// WorkerPool runs submitted tasks on a fixed set of goroutines fed by a
// bounded queue. Task failures are logged with the pool's logger.
type WorkerPool struct {
	cfg    PoolConfig
	logger *observability.Logger
	ctx    context.Context
	cancel context.CancelFunc
	workCh chan Task
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts cfg.Workers workers.
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Name: "notifications", Workers: 4, QueueSize: 100, Timeout: 30 * time.Second}, logger)
//	defer pool.Shutdown(shutdownCtx)
func NewWorkerPool(ctx context.Context, cfg PoolConfig, logger *observability.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		cfg:    cfg,
		logger: logger.WithField("pool", cfg.Name),
		ctx:    ctx,
		cancel: cancel,
		workCh: make(chan Task, cfg.QueueSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit queues fn without blocking.
func (p *WorkerPool) Submit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Pending returns the number of queued, not yet started tasks.
func (p *WorkerPool) Pending() int {
	return len(p.workCh)
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When
// ctx expires first, running tasks are cancelled.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown: %w", p.cfg.Name, ctx.Err())
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for fn := range p.workCh {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
		ctx = observability.WithLogger(ctx, p.logger)
		if err := Run(ctx, fn); err != nil {
			p.logger.WithError(err).WithField("worker", id).Warn("task failed")
		}
		cancel()
	}
}
