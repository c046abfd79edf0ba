package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
)

// NewMultiCore tees a console core with a rotating JSON file core.
//
// The file side is always JSON. The console side is colored text in
// development and JSON otherwise, so container log collectors see the same
// shape as the file.
func NewMultiCore(level zapcore.LevelEnabler, filePath string, isDev bool, fileConfig FileWriterConfig) (zapcore.Core, error) {
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	// Fail early on unwritable paths; lumberjack would only report it on the first write.
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	f.Close()

	return NewMultiCoreWithWriters(level, zapcore.Lock(os.Stdout), NewFileWriterWithConfig(filePath, fileConfig), isDev), nil
}

// NewMultiCoreWithWriters is NewMultiCore over caller-supplied writers.
func NewMultiCoreWithWriters(level zapcore.LevelEnabler, consoleWriter, fileWriter zapcore.WriteSyncer, isDev bool) zapcore.Core {
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), fileWriter, level)

	var consoleEncoder zapcore.Encoder
	if isDev {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	consoleCore := zapcore.NewCore(consoleEncoder, consoleWriter, level)

	return zapcore.NewTee(consoleCore, fileCore)
}
