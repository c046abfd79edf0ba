// Package shutdown coordinates graceful process shutdown: signal handling,
// in-flight operation tracking and prioritized cleanup.
package shutdown

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrTrackerClosed rejects operations started after shutdown began.
	ErrTrackerClosed = errors.New("shutdown: no new operations accepted")
	ErrWaitTimeout   = errors.New("shutdown: in-flight operations did not finish in time")
)

// OperationTracker counts in-flight operations and lets shutdown wait for
// them after new ones are refused.
type OperationTracker struct {
	mu     sync.Mutex
	active int64
	closed bool
	idle   chan struct{} // closed whenever active reaches zero after Close
}

func NewOperationTracker() *OperationTracker {
	return &OperationTracker{}
}

// Start registers one operation. It returns false once Close was called;
// otherwise the caller must call Done exactly once.
func (t *OperationTracker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.active++
	return true
}

func (t *OperationTracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	if t.active == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

// Close refuses new operations. Running ones continue.
func (t *OperationTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *OperationTracker) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *OperationTracker) ActiveCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Wait blocks until no operation is running or ctx ends, in which case it
// returns ErrWaitTimeout.
func (t *OperationTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	if t.active == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ErrWaitTimeout
	}
}
