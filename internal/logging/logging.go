// Package logging builds the structured logger shared by all binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON slog logger at the given level, writing to stdout and,
// when path is non-empty, to an append-only file as well. A file that cannot
// be opened is reported on the stdout logger and otherwise ignored.
func New(level, path string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			l := slog.New(slog.NewJSONHandler(os.Stdout, opts))
			l.Error("log_file_open_failed", "path", path, "err", err)
			return l
		}
		w = io.MultiWriter(os.Stdout, f)
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
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
