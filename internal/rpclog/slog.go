package rpclog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger builds the process-wide structured logger. Level accepts
// trace|debug|info|warn|error; trace additionally causes callers to
// enable raw frame logging on stdout. If file is non-empty, log lines
// are mirrored there; the returned closers must be closed on shutdown.
func SetupLogger(level, file string) (*slog.Logger, []io.Closer, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "trace", "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level: %s", level)
	}

	w := io.Writer(os.Stderr)
	var closers []io.Closer
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(os.Stderr, f)
		closers = append(closers, f)
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	return logger, closers, nil
}
