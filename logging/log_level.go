package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// ParseLogLevelString parses debug, info, warn, warning, error or fatal,
// case-insensitively. Anything else yields defaultLevel.
func ParseLogLevelString(levelStr string, defaultLevel zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return defaultLevel
	}
}

// DefaultLevel is debug in development and info otherwise.
func DefaultLevel(isDev bool) zapcore.Level {
	if isDev {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
