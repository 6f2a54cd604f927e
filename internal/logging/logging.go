// Package logging provides context-scoped structured logging.
//
// A Logger is attached to a context.Context with AttachLogger; Info/Infof/
// Debug/Debugf emit through whatever logger is attached to the context they
// are given, mirroring how the rest of this module threads a context through
// every blocking call (pairing, handshakes, DTX calls, the XCUITest event
// loop) so a single log stream can be correlated to one DeviceHandle's
// operations.
package logging

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Level indicates a log severity. A larger value is more severe.
type Level int

const (
	// LevelDebug is for unexpected-but-harmless conditions (e.g. a DTX
	// notification with no registered callback).
	LevelDebug Level = iota
	// LevelInfo is for normal operational messages.
	LevelInfo
	// LevelWarn is for recoverable problems (e.g. a dropped late reply).
	LevelWarn
	// LevelError is for operation failures.
	LevelError
)

// Logger consumes log entries sent via a context.Context.
type Logger interface {
	Log(level Level, ts time.Time, msg string)
}

type loggerKey struct{}
type prefixKey struct{}

// AttachLogger returns a new context with logger attached. Logs emitted via
// the new context also propagate to any logger already attached to ctx.
func AttachLogger(ctx context.Context, logger Logger) context.Context {
	if parent, ok := fromContext(ctx); ok {
		logger = NewMultiLogger(logger, parent)
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// AttachLoggerNoPropagation is like AttachLogger but does not propagate to a
// parent logger already on ctx.
func AttachLoggerNoPropagation(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// HasLogger reports whether a logger is attached to ctx.
func HasLogger(ctx context.Context) bool {
	_, ok := fromContext(ctx)
	return ok
}

// WithPrefix returns a new context whose log lines are prefixed with prefix,
// e.g. a device UDID so interleaved logs from multiple DeviceHandles stay
// distinguishable.
func WithPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, prefixKey{}, prefix)
}

func fromContext(ctx context.Context) (Logger, bool) {
	l, ok := ctx.Value(loggerKey{}).(Logger)
	return l, ok
}

func prefixOf(ctx context.Context) string {
	if p, ok := ctx.Value(prefixKey{}).(string); ok {
		return p
	}
	return ""
}

func emit(ctx context.Context, level Level, msg string) {
	ts := time.Now()
	logger, ok := fromContext(ctx)
	if !ok {
		return
	}
	logger.Log(level, ts, replaceInvalidUTF8(prefixOf(ctx)+msg))
}

// Info emits an info-level log built from args like fmt.Sprint.
func Info(ctx context.Context, args ...interface{}) { emit(ctx, LevelInfo, sprint(args)) }

// Infof is like Info but formats like fmt.Sprintf.
func Infof(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelInfo, sprintf(format, args))
}

// Debug emits a debug-level log.
func Debug(ctx context.Context, args ...interface{}) { emit(ctx, LevelDebug, sprint(args)) }

// Debugf is like Debug but formats like fmt.Sprintf.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelDebug, sprintf(format, args))
}

// Warn emits a warn-level log.
func Warn(ctx context.Context, args ...interface{}) { emit(ctx, LevelWarn, sprint(args)) }

// Warnf is like Warn but formats like fmt.Sprintf.
func Warnf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelWarn, sprintf(format, args))
}

// Error emits an error-level log.
func Error(ctx context.Context, args ...interface{}) { emit(ctx, LevelError, sprint(args)) }

// Errorf is like Error but formats like fmt.Sprintf.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelError, sprintf(format, args))
}

// replaceInvalidUTF8 strips bytes that would corrupt a log stream (device
// strings are not guaranteed to be valid UTF-8).
func replaceInvalidUTF8(msg string) string {
	return strings.ToValidUTF8(msg, "")
}

// MultiLogger copies log entries to multiple underlying loggers.
type MultiLogger struct {
	mu      sync.Mutex
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger fanning out to the given loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log implements Logger.
func (m *MultiLogger) Log(level Level, ts time.Time, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loggers {
		l.Log(level, ts, msg)
	}
}
