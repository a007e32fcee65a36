package saga

import (
	"context"
	"log/slog"
)

// Logger provides structured logging hooks.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

// NopLogger is a no-op logger.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	L *slog.Logger
}

// NewSlogLogger wraps an slog logger; nil uses slog.Default.
func NewSlogLogger(l *slog.Logger) SlogLogger {
	if l == nil {
		l = slog.Default()
	}

	return SlogLogger{L: l}
}

// Debug implements Logger.
func (s SlogLogger) Debug(msg string, args ...any) {
	s.L.LogAttrs(context.Background(), slog.LevelDebug, msg, argsToAttrs(args)...)
}

// Info implements Logger.
func (s SlogLogger) Info(msg string, args ...any) {
	s.L.LogAttrs(context.Background(), slog.LevelInfo, msg, argsToAttrs(args)...)
}

// Warn implements Logger.
func (s SlogLogger) Warn(msg string, args ...any) {
	s.L.LogAttrs(context.Background(), slog.LevelWarn, msg, argsToAttrs(args)...)
}

// Error implements Logger.
func (s SlogLogger) Error(msg string, args ...any) {
	s.L.LogAttrs(context.Background(), slog.LevelError, msg, argsToAttrs(args)...)
}

func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "arg"
		}
		val := any("<missing>")
		if i+1 < len(args) {
			val = args[i+1]
		}
		attrs = append(attrs, slog.Any(key, val))
	}

	return attrs
}
