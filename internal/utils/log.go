package utils

import (
	"log/slog"
	"os"
	"strings"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// Logger returns the process-wide JSON logger.
func Logger() *slog.Logger {
	return logger
}

// SetLogLevel replaces the logger with one filtering below level ("debug", "info", "warn", "error").
func SetLogLevel(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
}

// WithFields returns a logger with additional fields.
func WithFields(kv ...any) *slog.Logger {
	return logger.With(kv...)
}

// LogError logs an error if it's not nil
func LogError(err error, context string, kv ...any) {
	if err != nil {
		logger.Error(context, append([]any{"error", err}, kv...)...)
	}
}
