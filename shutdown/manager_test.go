package shutdown

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"flux_backend/core"
	"flux_backend/logging"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	return NewManager(logging.NewNop(), opts...)
}

func TestManagerWrapOperation(t *testing.T) {
	m := newTestManager(t)

	ran := false
	if err := m.WrapOperation(context.Background(), "predict", func(ctx context.Context) error {
		ran = true
		if m.ActiveOperations() != 1 {
			t.Errorf("ActiveOperations() = %d inside operation", m.ActiveOperations())
		}
		return nil
	}); err != nil || !ran {
		t.Fatalf("WrapOperation() = %v, ran = %v", err, ran)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.WrapOperation(ctx, "predict", func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("WrapOperation(cancelled) = %v", err)
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	err := m.WrapOperation(context.Background(), "predict", func(context.Context) error {
		t.Error("operation ran after shutdown")
		return nil
	})
	if !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("WrapOperation() after shutdown = %v, want ErrTrackerClosed", err)
	}
}

func TestManagerShutdownWaitsThenCleansUp(t *testing.T) {
	m := newTestManager(t, WithTimeout(5*time.Second))

	var finished atomic.Bool
	started := make(chan struct{})
	go m.WrapOperation(context.Background(), "slow", func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	<-started

	var sawFinished bool
	m.Register("predictor", PriorityPredictor, func(ctx context.Context) error {
		sawFinished = finished.Load()
		return nil
	})

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !sawFinished {
		t.Error("cleanup ran before the in-flight operation finished")
	}
	if !m.IsShuttingDown() {
		t.Error("IsShuttingDown() = false")
	}
	select {
	case <-m.Done():
	default:
		t.Error("context not cancelled by Shutdown")
	}
}

func TestManagerShutdownJoinsErrors(t *testing.T) {
	m := newTestManager(t)
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	m.Register("a", 1, func(context.Context) error { return errA })
	m.Register("b", 2, func(context.Context) error { return errB })

	err := m.Shutdown()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Shutdown() = %v, want both errors", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("second Shutdown() = %v, want nil", err)
	}
}

func TestManagerShutdownTimeoutStillCleansUp(t *testing.T) {
	m := newTestManager(t, WithTimeout(30*time.Millisecond))

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	go m.WrapOperation(context.Background(), "stuck", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var cleanupHadBudget bool
	m.Register("db", PriorityDatabase, func(ctx context.Context) error {
		cleanupHadBudget = ctx.Err() == nil
		return nil
	})

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !cleanupHadBudget {
		t.Error("cleanup context was already expired")
	}
}

func TestManagerSignals(t *testing.T) {
	var forced atomic.Int32
	m := newTestManager(t, WithForceExit(func() { forced.Add(1) }))
	m.Start()
	m.Start()

	m.handleSignal(os.Interrupt)
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("first signal did not cancel the context")
	}
	if forced.Load() != 0 {
		t.Error("first signal forced exit")
	}
	if got := m.ExitCode(); got != core.ExitCodeSIGINT {
		t.Errorf("ExitCode() = %d, want %d", got, core.ExitCodeSIGINT)
	}

	m.handleSignal(syscall.SIGTERM)
	if forced.Load() != 1 {
		t.Errorf("forced = %d after second signal, want 1", forced.Load())
	}
	if got := m.ExitCode(); got != core.ExitCodeSIGINT {
		t.Errorf("ExitCode() after second signal = %d, want the first signal's code", got)
	}
	m.Shutdown()
}

func TestManagerTrigger(t *testing.T) {
	m := newTestManager(t)
	m.Trigger()
	select {
	case <-m.Context().Done():
	default:
		t.Error("Trigger() did not cancel the context")
	}
	if m.IsShuttingDown() {
		t.Error("Trigger() must not run the shutdown sequence")
	}
	if got := m.ExitCode(); got != core.ExitCodeSuccess {
		t.Errorf("ExitCode() = %d, want %d", got, core.ExitCodeSuccess)
	}
}
