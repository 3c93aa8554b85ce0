package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// initLogger installs the default slog logger. level falls back to
// CONVSYNC_LOG_LEVEL; CONVSYNC_LOG_SINK=file:/path redirects output.
// Logs go to stderr so command output stays clean.
func initLogger(level string) {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = strings.ToLower(strings.TrimSpace(os.Getenv("CONVSYNC_LOG_LEVEL")))
	}
	var lv slog.Level
	switch lvl {
	case "debug":
		lv = slog.LevelDebug
	case "info":
		lv = slog.LevelInfo
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: lv}
	if sink := os.Getenv("CONVSYNC_LOG_SINK"); strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			slog.SetDefault(slog.New(slog.NewTextHandler(f, opts)))
			return
		}
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
