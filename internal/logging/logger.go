package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if os.Getenv("DEBUG") == "true" {
		level = zapcore.DebugLevel
	}
	l, err := build(level, false)
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func build(level zapcore.Level, jsonOutput bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Init replaces the process logger. level is one of debug, info, warn, error.
func Init(level string, jsonOutput bool) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if os.Getenv("DEBUG") == "true" {
		lvl = zapcore.DebugLevel
	}
	l, err := build(lvl, jsonOutput)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	SetLogger(l)
	return nil
}

// SetLogger installs l as the process logger (tests pass zap.NewNop or zaptest loggers)
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Sync flushes buffered log output
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Sync()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Info logs an informational message (always shown)
func Info(subsystem, format string, args ...any) {
	get().Infow(fmt.Sprintf(format, args...), "subsystem", subsystem)
}

// Debug logs a debug message (only shown at debug level or with DEBUG=true)
func Debug(subsystem, format string, args ...any) {
	l := get()
	if !l.Desugar().Core().Enabled(zapcore.DebugLevel) {
		return
	}
	l.Debugw(fmt.Sprintf(format, args...), "subsystem", subsystem)
}

// Warn logs a recoverable problem
func Warn(subsystem, format string, args ...any) {
	get().Warnw(fmt.Sprintf(format, args...), "subsystem", subsystem)
}

// Error logs a failure that skipped work
func Error(subsystem string, err error, format string, args ...any) {
	get().Errorw(fmt.Sprintf(format, args...), "subsystem", subsystem, "error", err)
}

// Truncate truncates a string to maxLen and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
