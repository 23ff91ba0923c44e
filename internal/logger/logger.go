package logger

import (
	"context"
	"log/slog"
	"os"
)

// defaultLogger is usable before Init so library code (and tests) can log
// without the process entry point having configured level/format first.
var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init initializes the global logger
func Init(level, format string) {
	var handler slog.Handler
	
	logLevel := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level: logLevel,
		AddSource: true,
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextKey keeps the logger's context values from colliding with other
// packages' string keys.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	traceIDKey   contextKey = "trace_id"
)

// ContextWithRequestID stamps the request id used by WithContext.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithTraceID stamps the trace id used by WithContext.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// WithContext returns a logger carrying the request/trace ids stamped on ctx.
func WithContext(ctx context.Context) *slog.Logger {
	return defaultLogger.With(
		"request_id", ctx.Value(requestIDKey),
		"trace_id", ctx.Value(traceIDKey),
	)
}

// Info logs an info message
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
	os.Exit(1)
}