package core

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Logger is the engine logger. One is built at startup and handed to every
// subsystem constructor; subsystems derive their own prefix with With.
type Logger struct {
	l *log.Logger
}

func NewLogger(w io.Writer, level string, prefix string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          prefix,
		// the caller is whoever called our wrapper, not the wrapper itself
		CallerOffset: 1,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)
	return &Logger{l: l}
}

// NewDiscardLogger returns a logger that drops everything, handy in tests.
func NewDiscardLogger() *Logger {
	return NewLogger(io.Discard, "fatal", "")
}

// With returns a child logger writing to the same sink with a new prefix.
func (lg *Logger) With(prefix string) *Logger {
	return &Logger{l: lg.l.WithPrefix(prefix)}
}

func (lg *Logger) SetLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	lg.l.SetLevel(lvl)
	return nil
}

func (lg *Logger) Debug(msg string, args ...interface{}) {
	lg.l.Debugf(msg, args...)
}

func (lg *Logger) Info(msg string, args ...interface{}) {
	lg.l.Infof(msg, args...)
}

func (lg *Logger) Warn(msg string, args ...interface{}) {
	lg.l.Warnf(msg, args...)
}

func (lg *Logger) Error(msg string, args ...interface{}) {
	lg.l.Errorf(msg, args...)
}

func (lg *Logger) Fatal(msg string, args ...interface{}) {
	lg.l.Fatalf(msg, args...)
}
