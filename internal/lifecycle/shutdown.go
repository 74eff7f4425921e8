// Package lifecycle coordinates the orderly stop of a benchmark process.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownManager handles graceful shutdown of a run. The first SIGINT or
// SIGTERM cancels the run context; the configuration in flight then has
// DrainTimeout to record its outcome before the registered closers run.
// A second signal exits immediately.
type ShutdownManager struct {
	drainTimeout time.Duration
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// State
	stopOnce       sync.Once
	shutdownOnce   sync.Once
	inFlight       int64
	isShuttingDown int32
	reason         atomic.Value

	// Closers to clean up on shutdown
	closers   []io.Closer
	closersMu sync.Mutex

	// exit ends the process on a second signal
	exit func(code int)
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// DrainTimeout is the time to wait for the in-flight configuration.
	// Default: 30 seconds
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{DrainTimeout: 30 * time.Second}
}

// NewShutdownManager creates a shutdown manager whose run context derives
// from parent.
func NewShutdownManager(parent context.Context, config ShutdownConfig, logger zerolog.Logger) *ShutdownManager {
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &ShutdownManager{
		drainTimeout: config.DrainTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		exit:         os.Exit,
	}
}

// Context returns the run context. It is canceled when shutdown begins.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// RegisterCloser adds a closer to be called during shutdown.
// Closers are called in reverse order of registration (LIFO).
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// ListenForSignals stops the run on SIGTERM or SIGINT and exits the process
// with status 130 on a second one. It returns once the run context is done.
func (sm *ShutdownManager) ListenForSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		sm.Stop(fmt.Sprintf("received signal: %v", sig))
	case <-sm.ctx.Done():
		return
	}

	select {
	case sig := <-sigCh:
		sm.logger.Error().Str("signal", sig.String()).Msg("Second signal, exiting without cleanup")
		sm.exit(130)
	case <-time.After(sm.drainTimeout):
	}
}

// Stop begins shutdown: no new configuration is started and the run
// context is canceled, which kills the external process in flight.
func (sm *ShutdownManager) Stop(reason string) {
	sm.stopOnce.Do(func() {
		sm.reason.Store(reason)
		atomic.StoreInt32(&sm.isShuttingDown, 1)
		sm.logger.Warn().Str("reason", reason).Msg("Stopping benchmark run")
		sm.cancel()
	})
}

// Reason returns why shutdown began, or "".
func (sm *ShutdownManager) Reason() string {
	r, _ := sm.reason.Load().(string)
	return r
}

// Shutdown waits for the in-flight configuration and closes all registered
// resources. It is safe to call after a normal run; only the first call
// does anything.
func (sm *ShutdownManager) Shutdown() error {
	var shutdownErr error

	sm.shutdownOnce.Do(func() {
		atomic.StoreInt32(&sm.isShuttingDown, 1)

		if err := sm.drainInFlight(); err != nil {
			shutdownErr = fmt.Errorf("drain failed: %w", err)
		}
		sm.cancel()

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("close failed: %w", err)
				}
			}
		}
	})

	return shutdownErr
}

// drainInFlight waits for the tracked executions to finish.
func (sm *ShutdownManager) drainInFlight() error {
	deadline := time.NewTimer(sm.drainTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&sm.inFlight) == 0 {
			return nil
		}

		select {
		case <-deadline.C:
			if remaining := atomic.LoadInt64(&sm.inFlight); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight executions", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// TrackExecution increments the in-flight counter. It returns false once
// shutdown has begun and the configuration must not start.
func (sm *ShutdownManager) TrackExecution() bool {
	if atomic.LoadInt32(&sm.isShuttingDown) == 1 {
		return false
	}
	atomic.AddInt64(&sm.inFlight, 1)
	return true
}

// UntrackExecution decrements the in-flight counter.
func (sm *ShutdownManager) UntrackExecution() {
	atomic.AddInt64(&sm.inFlight, -1)
}

// IsShuttingDown returns true if shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return atomic.LoadInt32(&sm.isShuttingDown) == 1
}

// InFlightCount returns the current number of in-flight executions.
func (sm *ShutdownManager) InFlightCount() int64 {
	return atomic.LoadInt64(&sm.inFlight)
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
