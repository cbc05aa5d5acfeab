package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/Alia5/usbrpc/internal/rpclog"
)

// LogConfig is the logging flag group shared by both binaries.
type LogConfig struct {
	Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" env:"USBRPC_LOG_LEVEL"`
	File    string `help:"Mirror log output to this file" env:"USBRPC_LOG_FILE"`
	RawFile string `help:"Dump decoded wire frames to this file" env:"USBRPC_LOG_RAW_FILE"`
}

// BuildLoggers materializes the structured logger and the shared raw
// frame sink from the parsed flags. Frame logging is active when a raw
// file is given, or on stdout at trace level; otherwise the sink is
// disabled and every per-connection tap is a no-op.
func (l *LogConfig) BuildLoggers() (*slog.Logger, *rpclog.Sink, []io.Closer, error) {
	logger, closers, err := rpclog.SetupLogger(l.Level, l.File)
	if err != nil {
		return nil, nil, nil, err
	}

	var sink *rpclog.Sink
	if l.RawFile != "" {
		f, err := os.OpenFile(l.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open raw log file", "file", l.RawFile, "error", err)
			sink = rpclog.NewSink(nil)
		} else {
			sink = rpclog.NewSink(f)
			closers = append(closers, f)
		}
	} else if l.Level == "trace" {
		sink = rpclog.NewSink(os.Stdout)
	} else {
		sink = rpclog.NewSink(nil)
	}

	return logger, sink, closers, nil
}
