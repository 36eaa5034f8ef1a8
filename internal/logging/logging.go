// Package logging wraps zap in the small, per-component Logger shape
// the rest of this tree expects: a Name tag that prefixes every line
// and a Debug switch that silences debug-level output cheaply without
// reconfiguring the underlying core.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger is a named, leveled logger bound to one component.
type Logger struct {
	Name  string
	Debug bool

	base *zap.SugaredLogger
}

// New builds a production JSON logger and returns the root Logger that
// every component's Logger is derived from via WithName.
func New() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return &Logger{base: z.Sugar()}, nil
}

// WithName returns a Logger for a subcomponent, inheriting the debug
// switch unless the caller flips it.
func (l *Logger) WithName(name string) Logger {
	return Logger{Name: name, Debug: l.Debug, base: l.base}
}

func (l *Logger) named() *zap.SugaredLogger {
	if l.Name == "" {
		return l.base
	}
	return l.base.Named(l.Name)
}

// Msg logs an informational line with structured key/value pairs.
func (l *Logger) Msg(msg string, kv ...interface{}) {
	l.named().Infow(msg, kv...)
}

// DebugMsg logs a debug line, a no-op unless Debug is set.
func (l *Logger) DebugMsg(msg string, kv ...interface{}) {
	if !l.Debug {
		return
	}
	l.named().Debugw(msg, kv...)
}

// Error logs an error line, attaching err under the "error" key.
func (l *Logger) Error(msg string, err error, kv ...interface{}) {
	l.named().Errorw(msg, append(kv, "error", err)...)
}

// Sync flushes any buffered log entries, intended to run at shutdown.
func (l *Logger) Sync() error {
	return l.base.Sync()
}
