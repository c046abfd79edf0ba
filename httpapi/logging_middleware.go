package httpapi

import (
	"io"
	"net/http"
	"time"

	"flux_backend/core"
	"flux_backend/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LoggingMiddleware logs every request with its status and duration.
// Server errors log at error level, client errors at warn.
type LoggingMiddleware struct {
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewLoggingMiddleware creates a LoggingMiddleware that ignores skipPaths.
func NewLoggingMiddleware(logger *logging.Logger, skipPaths []string) *LoggingMiddleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &LoggingMiddleware{logger: logger, skipPaths: skip}
}

func (m *LoggingMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if m.skipPaths[path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			m.logger.Error("HTTP request", fields...)
		case status >= http.StatusBadRequest:
			m.logger.Warn("HTTP request", fields...)
		default:
			m.logger.Info("HTTP request", fields...)
		}
	}
}

// recoveryMiddleware turns a handler panic into a 500 failure body.
func recoveryMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logger.Error("Panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, failureBody{
			Status:    "failed",
			Error:     "internal server error",
			ErrorKind: core.KindInternal,
		})
	})
}
