// Package logger provides the default Logger implementation used by
// raft when the caller does not supply one via WithLogger. It is a
// thin adapter over logrus so that raft's own Debug/Info/Warn/Error/
// Fatal vocabulary maps onto a structured, leveled logging library
// instead of the standard library's bare log package.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger supports logging messages at the debug, info, warn, error, and
// fatal level. It mirrors the interface raft itself depends on so that
// a caller-supplied logger (e.g. one embedding a request ID) can be
// substituted without this package being imported directly.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// logrusLogger implements Logger on top of a *logrus.Logger.
type logrusLogger struct {
	entry *logrus.Logger
}

// NewLogger creates a new Logger that writes structured, leveled output
// to stderr. The returned error is always nil; it is part of the
// signature so that future implementations backed by a file or remote
// sink can fail during construction without changing callers.
func NewLogger() (Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: l}, nil
}

// NewLoggerWithLevel creates a Logger at the provided logrus level, for
// callers that want debug-level output (e.g. in tests).
func NewLoggerWithLevel(level logrus.Level) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(level)
	return &logrusLogger{entry: l}
}

func (l *logrusLogger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// NoOpLogger is a Logger that discards everything. Useful for tests
// that do not want election/heartbeat chatter in test output but still
// need a non-nil logger.
type NoOpLogger struct{}

func (NoOpLogger) Debug(args ...interface{})                 {}
func (NoOpLogger) Debugf(format string, args ...interface{}) {}
func (NoOpLogger) Info(args ...interface{})                  {}
func (NoOpLogger) Infof(format string, args ...interface{})  {}
func (NoOpLogger) Warn(args ...interface{})                  {}
func (NoOpLogger) Warnf(format string, args ...interface{})  {}
func (NoOpLogger) Error(args ...interface{})                 {}
func (NoOpLogger) Errorf(format string, args ...interface{}) {}
func (NoOpLogger) Fatal(args ...interface{})                 {}
func (NoOpLogger) Fatalf(format string, args ...interface{}) {}
