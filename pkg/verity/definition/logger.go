// Package definition holds small ambient interfaces and their default
// implementations: logging today, following the shape of
// pkg/mcast/definition/default_logger.go in the teacher repo.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract every component in the retrieval
// subsystem depends on. The method set is the teacher's
// pkg/mcast/definition.Logger contract without its Panic/Panicf methods;
// the default implementation's backing library also changes.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}

// DefaultLogger backs Logger with logrus instead of the standard
// library's log.Logger the teacher used — logrus was already present in
// the teacher's dependency graph (indirect), so it is promoted to direct
// here rather than hand-rolling level prefixes again.
type DefaultLogger struct {
	entry *logrus.Logger
	field string
}

// NewDefaultLogger builds a DefaultLogger that tags every line with
// component, matching the teacher's calldepth/prefix convention but via
// logrus structured fields instead of string prefixes.
func NewDefaultLogger(component string) *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{entry: l, field: component}
}

func (l *DefaultLogger) with() *logrus.Entry {
	return l.entry.WithField("component", l.field)
}

func (l *DefaultLogger) Info(v ...interface{})                 { l.with().Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})  { l.with().Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                  { l.with().Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})  { l.with().Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                 { l.with().Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.with().Errorf(format, v...) }
func (l *DefaultLogger) Debug(v ...interface{})                 { l.with().Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{}) { l.with().Debugf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                 { l.with().Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{}) { l.with().Fatalf(format, v...) }

// ToggleDebug flips the logger between info and debug verbosity,
// returning the new state, matching the teacher's boolean-flag contract.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return value
}
