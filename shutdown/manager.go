package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flux_backend/core"
	"flux_backend/logging"

	"go.uber.org/zap"
)

// Manager ties signal handling, operation tracking and the cleanup registry
// together.
//
//	m := shutdown.NewManager(logger)
//	m.Register("http", shutdown.PriorityHTTPServer, shutdown.Server(srv))
//	m.Start()
//	<-m.Done()
//	err := m.Shutdown()
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu       sync.Mutex
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *Registry
	signals  *SignalCounter
	sigChan  chan os.Signal
	received os.Signal
	onForce  func()
}

type ManagerOption func(*Manager)

// WithTimeout bounds the whole shutdown sequence. Default 60s.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithForceExit replaces the os.Exit(core.ExitCodeSIGINT) run on a repeated
// signal.
func WithForceExit(fn func()) ManagerOption {
	return func(m *Manager) {
		m.onForce = fn
	}
}

func NewManager(logger *logging.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  60 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 2),
		onForce:  func() { os.Exit(core.ExitCodeSIGINT) },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("Received second signal, forcing exit")
		m.onForce()
	})
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("Registered shutdown handler", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.handleSignal(sig)
		}
	}()
	m.logger.Debug("Listening for shutdown signals")
}

func (m *Manager) handleSignal(sig os.Signal) {
	if m.signals.Increment() == 1 {
		m.mu.Lock()
		m.received = sig
		m.mu.Unlock()
		m.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		m.cancel()
	}
}

// ExitCode is the process exit code for the signal that started shutdown,
// or ExitCodeSuccess when shutdown was triggered some other way.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.received {
	case os.Interrupt:
		return core.ExitCodeSIGINT
	case syscall.SIGTERM:
		return core.ExitCodeSIGTERM
	default:
		return core.ExitCodeSuccess
	}
}

// Trigger begins shutdown as if a signal had arrived, without counting
// towards a forced exit.
func (m *Manager) Trigger() {
	m.cancel()
}

// WrapOperation runs fn as a tracked operation. Once shutdown has begun it
// returns ErrTrackerClosed without calling fn.
func (m *Manager) WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Start() {
		m.logger.Debug("Operation rejected during shutdown", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

func (m *Manager) RegisteredHandlers() []string {
	return m.registry.Names()
}

// Shutdown refuses new operations, waits for running ones and then runs the
// registered cleanup in priority order, all within the manager timeout.
// Only the first call does anything.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	if started {
		signal.Stop(m.sigChan)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.tracker.Close()
	if active := m.tracker.ActiveCount(); active > 0 {
		m.logger.Info("Waiting for in-flight operations", zap.Int64("active", active))
	}
	if err := m.tracker.Wait(ctx); err != nil {
		m.logger.Warn("In-flight operations still running",
			zap.Int64("remaining", m.tracker.ActiveCount()),
			zap.Duration("waited", time.Since(start)),
		)
	}

	// cleanup always gets at least a second even if waiting used the budget
	cleanupCtx := ctx
	if ctx.Err() != nil {
		var cancelCleanup context.CancelFunc
		cleanupCtx, cancelCleanup = context.WithTimeout(context.Background(), time.Second)
		defer cancelCleanup()
	}

	var errs []error
	for _, step := range m.registry.Run(cleanupCtx) {
		if step.Err != nil {
			m.logger.Error("Cleanup step failed", zap.String("step", step.Name), zap.Error(step.Err))
			errs = append(errs, step.Err)
			continue
		}
		m.logger.Debug("Cleanup step done", zap.String("step", step.Name), zap.Duration("took", step.Duration))
	}

	m.logger.Info("Shutdown complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}
