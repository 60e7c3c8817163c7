package laddertesting

import (
	"log/slog"
	"os"
)

// NewLogger returns the logger used by tests. Quiet by default; set
// DEBUG=1 for info or DEBUG=2 for debug output.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
