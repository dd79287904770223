package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/logsink"
)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolveFormat picks json when no format is set and out is not a terminal.
func resolveFormat(format string, out *os.File) string {
	if format != "" {
		return format
	}
	if term.IsTerminal(int(out.Fd())) {
		return "text"
	}
	return "json"
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// setupLogger builds the logger used before the configuration is loaded.
func setupLogger() *slog.Logger {
	return slog.New(newHandler(os.Stdout, resolveFormat(logFormat, os.Stdout), parseLevel(logLevel)))
}

// configureLogger builds the logger from the logging configuration. Flags
// take precedence over the file. The returned function closes the log file.
func configureLogger(cfg *config.Config) (*slog.Logger, func()) {
	level, format := cfg.Logging.Level, cfg.Logging.Format
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}

	lvl := parseLevel(level)
	stdout := newHandler(os.Stdout, resolveFormat(format, os.Stdout), lvl)
	if cfg.Logging.File == "" {
		return slog.New(stdout), func() {}
	}

	file := &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   true,
	}
	h := logsink.Fanout(stdout, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lvl}))
	return slog.New(h), func() {
		_ = file.Close()
	}
}
