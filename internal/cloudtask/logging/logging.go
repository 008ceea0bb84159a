// Package logging constructs the process-wide structured logger, in the
// shape cmd/cloudtask wires with slog.SetDefault: a level name in,
// *slog.Logger out. Grounded on the teacher's cmd/shoal/main.go
// construction (logging.New(*logLevel) followed by slog.SetDefault).
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a text-handler slog.Logger writing to stderr at the given
// level ("debug", "info", "warn", "error"; unrecognized values fall
// back to info).
func New(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
