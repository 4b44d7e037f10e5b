package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the daemon's root logger. Subsystems derive their own
// with logger.With("component", ...). Output goes to stderr so stdout stays
// free for tooling wrapped around labschedd.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter builds a logger on the given writer. format is "json"
// for structured output; anything else falls back to human-readable text.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a config string to a slog level. Unrecognized values fall
// back to Info so a typo in the config never silences the daemon.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
