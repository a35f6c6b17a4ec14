// Package acqengine implements the execution engine core of a microscopy
// instrument-control framework: a concurrent dispatcher that accepts events
// and device accesses, schedules them onto named workers under priority and
// affinity constraints, publishes lifecycle notifications, and exposes
// futures through which callers synchronize and await data.
package acqengine

import "go.uber.org/zap"

// Logger is the minimal structured logging interface used throughout the
// engine. The variadic args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// zapLogger adapts a zap.Logger to the engine's Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps a zap.Logger for use as the engine logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }
func (z *zapLogger) Info(msg string, args ...any)  { z.s.Infow(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...any)  { z.s.Warnw(msg, args...) }
func (z *zapLogger) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }

// noopLogger discards all log output. It is the default when no logger is
// configured so that library consumers opt in to output explicitly.
func noopLogger() Logger { return NewZapLogger(zap.NewNop()) }
