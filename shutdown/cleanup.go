package shutdown

import (
	"context"
	"errors"
	"io"
	"syscall"
	"time"

	"flux_backend/core"
	"flux_backend/logging"

	"go.uber.org/zap"
)

// ServerShutdowner is implemented by *httpapi.Server and *http.Server.
type ServerShutdowner interface {
	Shutdown(ctx context.Context) error
}

// ContextCloser is implemented by *predictor.Predictor.
type ContextCloser interface {
	Close(ctx context.Context) error
}

// AsyncStopper is implemented by *db.Repository.
type AsyncStopper interface {
	StopAsync(timeout time.Duration) bool
}

// Server stops accepting requests and waits for in-flight ones.
func Server(s ServerShutdowner) core.ShutdownFunc {
	return func(ctx context.Context) error {
		return s.Shutdown(ctx)
	}
}

// Predictor drains the job queue and releases the weights.
func Predictor(c ContextCloser) core.ShutdownFunc {
	return func(ctx context.Context) error {
		return c.Close(ctx)
	}
}

// HistoryWriter flushes queued history records within the remaining budget.
// Records still queued when it runs out are dropped and logged.
func HistoryWriter(logger *logging.Logger, w AsyncStopper) core.ShutdownFunc {
	return func(ctx context.Context) error {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if timeout <= 0 {
			timeout = time.Millisecond
		}
		if !w.StopAsync(timeout) {
			logger.Warn("History writer did not drain before the deadline")
		}
		return nil
	}
}

// Closer wraps an io.Closer such as *db.Database.
func Closer(c io.Closer) core.ShutdownFunc {
	return func(ctx context.Context) error {
		return c.Close()
	}
}

// LogSync flushes the logger. Sync on a terminal fails with EINVAL or
// ENOTTY on some platforms; those are ignored.
func LogSync(logger *logging.Logger) core.ShutdownFunc {
	return func(ctx context.Context) error {
		err := logger.Sync()
		if err == nil || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
			return nil
		}
		return err
	}
}

// Logged wraps fn with start and finish debug logs.
func Logged(logger *logging.Logger, name string, fn core.ShutdownFunc) core.ShutdownFunc {
	return func(ctx context.Context) error {
		logger.Debug("Stopping component", zap.String("component", name))
		err := fn(ctx)
		if err == nil {
			logger.Debug("Component stopped", zap.String("component", name))
		}
		return err
	}
}
