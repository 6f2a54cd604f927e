package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a *logrus.Logger to the Logger interface. This is the
// default sink: the real go-ios-family clients log through logrus, and this
// module follows the same ambient choice rather than inventing its own
// formatter.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l (or logrus.StandardLogger() if l is nil).
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// Log implements Logger.
func (l *LogrusLogger) Log(level Level, ts time.Time, msg string) {
	entry := l.entry.WithTime(ts)
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}
