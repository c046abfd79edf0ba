package sdruntime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Slot is a single-slot job queue. One holder runs at a time; everybody
// else waits in Acquire until the holder releases, the caller's context is
// done, or the queue timeout elapses.
type Slot struct {
	token   chan struct{}
	done    chan struct{}
	once    sync.Once
	waiting atomic.Int64
	busy    atomic.Bool
}

// NewSlot returns an open, free slot.
func NewSlot() *Slot {
	s := &Slot{
		token: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	s.token <- struct{}{}
	return s
}

// Acquire waits for the slot. A timeout <= 0 waits until ctx is done.
// The returned release func is safe to call more than once.
//
// Errors:
//   - ErrQueueTimeout when timeout elapses first
//   - ctx.Err() (wrapped) when ctx is done first
//   - ErrSlotClosed once Close has been called
func (s *Slot) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	select {
	case <-s.done:
		return nil, ErrSlotClosed
	default:
	}

	s.waiting.Add(1)
	defer s.waiting.Add(-1)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.token:
	case <-s.done:
		return nil, ErrSlotClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for slot: %w", ctx.Err())
	case <-expired:
		return nil, fmt.Errorf("%w after %s", ErrQueueTimeout, timeout)
	}

	// Close may have raced with the token hand-off.
	select {
	case <-s.done:
		s.token <- struct{}{}
		return nil, ErrSlotClosed
	default:
	}

	s.busy.Store(true)
	var releaseOnce sync.Once
	return func() {
		releaseOnce.Do(func() {
			s.busy.Store(false)
			s.token <- struct{}{}
		})
	}, nil
}

// Close stops new acquisitions. Waiters return ErrSlotClosed; the current
// holder, if any, keeps running.
func (s *Slot) Close() {
	s.once.Do(func() { close(s.done) })
}

// Drain closes the slot and waits for the current holder to release.
// The token is kept, so nothing can run afterwards.
func (s *Slot) Drain(ctx context.Context) error {
	s.Close()
	select {
	case <-s.token:
		s.busy.Store(false)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain slot: %w", ctx.Err())
	}
}

// Waiting returns the number of callers blocked in Acquire.
func (s *Slot) Waiting() int {
	return int(s.waiting.Load())
}

// Busy reports whether a holder is running.
func (s *Slot) Busy() bool {
	return s.busy.Load()
}
