// Package logging defines the structured logging surface used throughout
// shmros and a default implementation backed by go.uber.org/zap.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the structured logging interface used by every package in this
// module. Framework operations (segment creation, registry mutation, spin
// dispatch, lifecycle transitions) are logged through this interface so the
// hosting process can control how shmros logs appear, or substitute its own
// implementation entirely.
//
// Arguments are variadic key-value pairs:
//
//	logger.Info("node registered", "node_id", id, "pid", pid)
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds a Logger backed by a production zap configuration.
func NewZap() (Logger, error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: base.Sugar()}, nil
}

// NewZapDevelopment builds a Logger with zap's development configuration
// (human-readable console output, debug level enabled). Useful for example
// programs and tests.
func NewZapDevelopment() (Logger, error) {
	base, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: base.Sugar()}, nil
}

func (l *zapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

// noop is a Logger that discards everything. Useful as a safe default when a
// Node is constructed without an explicit logger.
type noop struct{}

// NewNoop returns a Logger that discards all output.
func NewNoop() Logger { return noop{} }

func (noop) Info(string, ...any)  {}
func (noop) Error(string, ...any) {}
func (noop) Warn(string, ...any)  {}
func (noop) Debug(string, ...any) {}
