// Package logx builds the process logger for sserelay.
//
// Logs always go to stderr: stdout may be carrying protocol traffic when the
// gateway fronts a stdio engine, and the two must never interleave.
package logx

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// New returns a slog.Logger writing tinted output to stderr at the given
// level.
func New(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
	}))
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to
// info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
