package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds structured logging configuration.
type Config struct {
	// Format: "json" for log shippers, "text" for humans (default).
	Format string
	// Level: "debug", "info", "warn", "warning", "error". Default "info".
	Level string
	// Verbose forces debug level regardless of Level.
	Verbose bool
}

// ParseLevel converts a string level to slog.Level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a slog.Logger that writes to w with the given format and level.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("logger", "pihole_sqlite_exporter")
}

// Component returns a child logger tagged with the component name.
// A nil parent yields a discard logger so callers never nil-check.
func Component(parent *slog.Logger, name string) *slog.Logger {
	if parent == nil {
		return NewDiscardLogger()
	}
	return parent.With("component", name)
}

// NewDiscardLogger returns a logger that discards all output (for tests).
func NewDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Fatal logs and exits. Use sparingly for fatal startup errors.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	if logger != nil {
		logger.Error(msg, args...)
	}
	os.Exit(1)
}
