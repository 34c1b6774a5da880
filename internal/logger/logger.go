package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup builds the process logger and installs it as slog's default.
// file is "stdout" (or empty), "stderr", or a path opened in append mode.
// The returned closer releases the log file and is never nil.
func Setup(logLevel string, logFile string) (*slog.Logger, func() error, error) {
	w, closer, err := openWriter(logFile)
	if err != nil {
		return nil, nil, err
	}
	logger := New(w, logLevel)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// New returns a text logger writing to w.
func New(w io.Writer, logLevel string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: getLogLevel(logLevel)}))
}

func openWriter(logFile string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(logFile)) {
	case "", "stdout":
		return os.Stdout, noop, nil
	case "stderr":
		return os.Stderr, noop, nil
	}
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f.Close, nil
}

func getLogLevel(logLevel string) slog.Level {
	var level slog.Level
	switch strings.ToLower(logLevel) {
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
	return level
}
