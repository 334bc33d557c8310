package utils

import (
	"github.com/sirupsen/logrus"
)

// ExtendedLogger is the logging contract every engine component depends on.
// It combines printf-style helpers with logrus structured logging so callers
// can pick whichever form fits the call site.
type ExtendedLogger interface {
	// Printf-style methods
	Infof(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// Plain methods
	Info(args ...interface{})
	Error(args ...interface{})
	Debug(args ...interface{})
	Warn(args ...interface{})
	Fatal(args ...interface{})

	// Structured logging methods
	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry

	// File management
	Close() error
}

// noopLogger discards everything. Used as a safe default when a component is
// constructed without an injected logger.
type noopLogger struct{}

func (noopLogger) Infof(string, ...any)          {}
func (noopLogger) Errorf(string, ...any)         {}
func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Fatalf(string, ...interface{}) {}
func (noopLogger) Info(...interface{})           {}
func (noopLogger) Error(...interface{})          {}
func (noopLogger) Debug(...interface{})          {}
func (noopLogger) Warn(...interface{})           {}
func (noopLogger) Fatal(...interface{})          {}

func (noopLogger) WithField(string, interface{}) *logrus.Entry {
	return logrus.NewEntry(discardLogrus())
}

func (noopLogger) WithFields(logrus.Fields) *logrus.Entry {
	return logrus.NewEntry(discardLogrus())
}

func (noopLogger) WithError(error) *logrus.Entry {
	return logrus.NewEntry(discardLogrus())
}

func (noopLogger) Close() error { return nil }

func discardLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// NewNoopLogger returns a logger that drops all output.
func NewNoopLogger() ExtendedLogger {
	return noopLogger{}
}

// OrNoop returns logger when non-nil, otherwise a no-op logger.
func OrNoop(logger ExtendedLogger) ExtendedLogger {
	if logger == nil {
		return NewNoopLogger()
	}
	return logger
}
