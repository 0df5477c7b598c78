package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/fleetwise/pkg/async"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// SessionPurger deletes sessions that ended before a cutoff.
type SessionPurger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueDepth reports how many notification jobs are waiting.
type QueueDepth interface {
	Depth(ctx context.Context) (int64, error)
}

// PoolStats exposes connection pool statistics, as *sql.DB does.
type PoolStats interface {
	Stats() sql.DBStats
}

// Scheduler runs maintenance jobs on cron schedules. A run that fails or
// panics is logged and the schedule continues.
type Scheduler struct {
	cron    *cron.Cron
	logger  *observability.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewScheduler creates an idle scheduler. Each run gets timeout to finish.
func NewScheduler(logger *observability.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add schedules fn under name. spec is any robfig/cron expression,
// including descriptors such as "@every 30s".
func (s *Scheduler) Add(name, spec string, fn async.Task) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(name, fn) }); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.logger.WithFields(map[string]interface{}{"job": name, "spec": spec}).Info("Scheduled job")
	return nil
}

func (s *Scheduler) run(name string, fn async.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = observability.WithLogger(ctx, s.logger.WithField("job", name))

	start := time.Now()
	if err := async.Run(ctx, fn); err != nil {
		s.logger.WithError(err).WithField("job", name).Error("Job failed")
		return
	}
	s.logger.WithFields(map[string]interface{}{"job": name, "duration_ms": time.Since(start).Milliseconds()}).Debug("Job finished")
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends
// first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PurgeSessions removes sessions that expired or were revoked more than
// retention ago.
func (s *Scheduler) PurgeSessions(sessions SessionPurger, retention time.Duration) async.Task {
	return func(ctx context.Context) error {
		n, err := sessions.PurgeExpired(ctx, s.now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			observability.FromContext(ctx).WithField("purged", n).Info("Purged stale sessions")
		}
		return nil
	}
}

// ReportQueueDepth copies the notification queue depth into the gauge.
func ReportQueueDepth(queue QueueDepth, metrics *observability.Metrics) async.Task {
	return func(ctx context.Context) error {
		depth, err := queue.Depth(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue depth: %w", err)
		}
		if metrics != nil {
			metrics.QueueDepth.Set(float64(depth))
		}
		return nil
	}
}

// ReportPoolStats copies database pool usage into the connection gauges.
func ReportPoolStats(db PoolStats, metrics *observability.Metrics) async.Task {
	return func(ctx context.Context) error {
		if metrics == nil {
			return nil
		}
		stats := db.Stats()
		metrics.UpdateDBStats(stats.InUse, stats.Idle)
		return nil
	}
}
