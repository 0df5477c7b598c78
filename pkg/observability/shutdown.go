package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager stops the HTTP server and then runs the registered
// shutdown hooks in reverse registration order, so components are torn
// down after everything that depends on them.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks []namedShutdown
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// Register adds a named hook.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, namedShutdown{name: name, fn: fn})
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx is cancelled, then shuts down.
func (sm *ShutdownManager) WaitForSignal(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	sm.logger.Info("shutdown requested")

	return sm.Shutdown()
}

// Shutdown runs the shutdown sequence bounded by the configured timeout.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error

	if sm.server != nil {
		sm.logger.Info("shutting down HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	sm.mu.Lock()
	hooks := make([]namedShutdown, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("component", h.name).Error("shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		sm.logger.WithField("component", h.name).Debug("shutdown hook complete")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	sm.logger.Info("graceful shutdown complete")
	return nil
}
