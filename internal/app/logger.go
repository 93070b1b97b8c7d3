package app

import (
	"io"
	"log/slog"
	"os"

	"github.com/bissquit/chat-relay/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// initLogger builds the process logger. When cfg.File is set, records go to
// stdout and to a size-rotated file; the returned closer releases the file.
func initLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotated)
		closer = rotated
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
