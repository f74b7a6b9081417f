package logging

import (
	"log/slog"
	"os"
)

// Setup builds the process-wide logger. Level is one of debug, info, warn,
// error; format is text or json. The handler is wrapped with correlation ID
// injection so InfoContext calls carry execution/step/schedule IDs.
func Setup(logLevel, format string) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}

// WithComponent returns a logger tagged with the component name.
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}
