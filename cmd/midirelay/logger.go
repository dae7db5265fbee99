package main

import (
	"io"
	"log/slog"
)

// newLogger builds the process-wide slog logger and installs it as the
// default so the stdlib log package routes through the same handler.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // file:line in debug mode
	})
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}
