package logging

import (
	"log/slog"
	"os"
)

// Setup installs the process-wide slog logger. Debug mode lowers the level so
// per-message events are printed as well.
func Setup(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
