package jobs

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type purger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *purger) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, p.err
}

type depth struct {
	n   int64
	err error
}

func (d depth) Depth(ctx context.Context) (int64, error) { return d.n, d.err }

type pool sql.DBStats

func (p pool) Stats() sql.DBStats { return sql.DBStats(p) }

func newScheduler(out *syncBuffer) *Scheduler {
	s := NewScheduler(observability.NewLogger(observability.DebugLevel, out), time.Second)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestPurgeSessions(t *testing.T) {
	s := newScheduler(&syncBuffer{})
	p := &purger{n: 3}

	require.NoError(t, s.PurgeSessions(p, 24*time.Hour)(context.Background()))
	assert.Equal(t, time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC), p.cutoff)

	p.err = errors.New("db down")
	assert.Error(t, s.PurgeSessions(p, time.Hour)(context.Background()))
}

func TestReportGauges(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	require.NoError(t, ReportQueueDepth(depth{n: 42}, metrics)(context.Background()))
	assert.Equal(t, float64(42), testutil.ToFloat64(metrics.QueueDepth))

	assert.Error(t, ReportQueueDepth(depth{err: errors.New("redis down")}, metrics)(context.Background()))
	assert.Equal(t, float64(42), testutil.ToFloat64(metrics.QueueDepth))

	require.NoError(t, ReportPoolStats(pool{InUse: 3, Idle: 2}, metrics)(context.Background()))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.DBConnectionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DBConnectionsIdle))

	assert.NoError(t, ReportPoolStats(pool{}, nil)(context.Background()))
	assert.NoError(t, ReportQueueDepth(depth{n: 1}, nil)(context.Background()))
}

func TestRunContainsFailures(t *testing.T) {
	out := &syncBuffer{}
	s := newScheduler(out)

	s.run("explodes", func(ctx context.Context) error { panic("boom") })
	s.run("fails", func(ctx context.Context) error { return errors.New("nope") })
	s.run("works", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})

	logs := out.String()
	assert.Contains(t, logs, `"job":"explodes"`)
	assert.Contains(t, logs, "boom")
	assert.Contains(t, logs, "nope")
	assert.Contains(t, logs, "Job finished")
}

func TestSchedule(t *testing.T) {
	s := newScheduler(&syncBuffer{})
	assert.Error(t, s.Add("bad", "not a spec", func(ctx context.Context) error { return nil }))

	var runs int32
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))
	s.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
