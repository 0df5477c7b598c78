package async

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// syncBuffer guards a bytes.Buffer written by worker goroutines.
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

func TestSafeGo_OutlivesParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	SafeGo(parent, time.Second, "test task", func(ctx context.Context) error {
		<-time.After(20 * time.Millisecond)
		done <- ctx.Err()
		return nil
	})
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestSafeGo_RecoversAndLogs(t *testing.T) {
	out := &syncBuffer{}
	ctx := observability.WithLogger(context.Background(), observability.NewLogger(observability.InfoLevel, out))

	SafeGo(ctx, time.Second, "exploding task", func(ctx context.Context) error {
		panic("boom")
	})

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("exploding task"))
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "panic: boom")
}

func TestSafeGo_Timeout(t *testing.T) {
	done := make(chan error, 1)
	SafeGo(context.Background(), 10*time.Millisecond, "slow task", func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timeout not enforced")
	}
}

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 3, QueueSize: 50}, nil)

	var count atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.Equal(t, int32(50), count.Load())
}

func TestWorkerPool_FullAndClosed(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 1, QueueSize: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.NoError(t, pool.Submit(func(ctx context.Context) error { return nil }))
	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) error { return nil }), ErrPoolFull)
	assert.Equal(t, 1, pool.Pending())

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
}

func TestWorkerPool_FailuresDoNotStopWorkers(t *testing.T) {
	out := &syncBuffer{}
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 1, QueueSize: 3},
		observability.NewLogger(observability.InfoLevel, out))

	var ran atomic.Int32
	require.NoError(t, pool.Submit(func(ctx context.Context) error { return errors.New("first failed") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) error { panic("second panicked") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) error { ran.Add(1); return nil }))

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.Equal(t, int32(1), ran.Load())
	assert.Contains(t, out.String(), "first failed")
	assert.Contains(t, out.String(), "second panicked")
}

func TestWorkerPool_ShutdownDeadline(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 1, QueueSize: 1}, nil)
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
