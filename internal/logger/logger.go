package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Constants for logging levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Environments: development logs as text, production as JSON
const (
	EnvDevelopment = "dev"
	EnvProduction  = "prod"
)

// Logger interface defines the logging contract
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

// New logs to stderr; the handler is picked by environment
func New(env string, level string) (Logger, error) {
	return NewWriter(os.Stderr, env, level)
}

// NewWriter is New with output to w
func NewWriter(w io.Writer, env string, level string) (Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   true,
		ReplaceAttr: replace,
	}

	var h slog.Handler
	switch env {
	case EnvDevelopment:
		h = slog.NewTextHandler(w, opts)
	case EnvProduction:
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown environment %q, expected %q or %q", env, EnvDevelopment, EnvProduction)
	}

	return &slogLogger{logger: slog.New(h)}, nil
}

// NewNoOpLogger creates a logger that discards all log messages
func NewNoOpLogger() Logger {
	return &slogLogger{logger: slog.New(slog.DiscardHandler)}
}
