package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultChannelCapacity is the default buffer size for async write channels.
const DefaultChannelCapacity = 100

// DefaultDrainTimeout is the maximum time to wait for pending writes during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// WriteHandler persists one queued value. Errors are passed to the writer's
// error callback; the writer itself never retries.
type WriteHandler[T any] func(ctx context.Context, v T) error

// AsyncWriter queues values on a buffered channel and hands them to a
// handler on a single background goroutine, so callers never wait on disk.
type AsyncWriter[T any] struct {
	writeChan chan T
	handler   WriteHandler[T]
	onError   func(T, error)

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool

	stopped atomic.Bool
	dropped atomic.Int64
	written atomic.Int64
}

// AsyncWriterConfig holds configuration for the async writer.
type AsyncWriterConfig struct {
	// ChannelCapacity is the buffer size for pending writes
	ChannelCapacity int
	// DrainTimeout bounds the wait in Close
	DrainTimeout time.Duration
}

// DefaultAsyncWriterConfig returns the default configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// NewAsyncWriter creates a writer with the default configuration.
func NewAsyncWriter[T any](handler WriteHandler[T]) *AsyncWriter[T] {
	return NewAsyncWriterWithConfig(handler, DefaultAsyncWriterConfig())
}

// NewAsyncWriterWithConfig creates a writer with a custom buffer size.
func NewAsyncWriterWithConfig[T any](handler WriteHandler[T], config AsyncWriterConfig) *AsyncWriter[T] {
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter[T]{
		writeChan: make(chan T, config.ChannelCapacity),
		handler:   handler,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnError registers a callback for handler failures. Must be called before Start.
func (w *AsyncWriter[T]) OnError(fn func(T, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = fn
}

// Start launches the background goroutine. Calling it twice is a no-op.
func (w *AsyncWriter[T]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.processWrites()
}

func (w *AsyncWriter[T]) processWrites() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.drainChannel()
			return
		case v := <-w.writeChan:
			w.handle(v)
		}
	}
}

func (w *AsyncWriter[T]) drainChannel() {
	for {
		select {
		case v := <-w.writeChan:
			w.handle(v)
		default:
			return
		}
	}
}

func (w *AsyncWriter[T]) handle(v T) {
	// w.ctx is already cancelled while draining, so handlers get a fresh one
	if err := w.handler(context.Background(), v); err != nil {
		if w.onError != nil {
			w.onError(v, err)
		}
		return
	}
	w.written.Add(1)
}

// Write queues v without blocking. It returns false, and counts a drop,
// when the buffer is full or the writer has been stopped.
func (w *AsyncWriter[T]) Write(v T) bool {
	if w.stopped.Load() {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.writeChan <- v:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Pending returns the number of values waiting in the buffer.
func (w *AsyncWriter[T]) Pending() int {
	return len(w.writeChan)
}

// Dropped returns how many writes were rejected.
func (w *AsyncWriter[T]) Dropped() int64 {
	return w.dropped.Load()
}

// Written returns how many values the handler persisted successfully.
func (w *AsyncWriter[T]) Written() int64 {
	return w.written.Load()
}

// IsStarted returns whether the background processor is running.
func (w *AsyncWriter[T]) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Stop rejects further writes, drains what is queued and waits.
func (w *AsyncWriter[T]) Stop() {
	w.StopWithTimeout(0)
}

// StopWithTimeout is Stop with a bound on the wait; zero waits forever.
// It returns false when the drain did not finish in time.
func (w *AsyncWriter[T]) StopWithTimeout(timeout time.Duration) bool {
	w.stopped.Store(true)
	w.cancel()

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		// nobody will consume the buffer
		w.drainChannel()
		return true
	}

	if timeout <= 0 {
		w.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
