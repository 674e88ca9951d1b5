package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sarwaaaar/pwn0gotchi/pkg/gateway"
)

// newLogger builds the process logger. Records go to stderr, or to a rotated
// file when log.file is set. Without an explicit format, a terminal gets text
// and anything else gets JSON.
func newLogger(cfg gateway.LogConfig, level slog.Level) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
		tty              = term.IsTerminal(int(os.Stderr.Fd()))
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w, closer, tty = lj, lj, false
	}
	return slog.New(newHandler(w, cfg.Format, level, tty)), closer
}

func newHandler(w io.Writer, format string, level slog.Level, tty bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch {
	case format == "json", format == "" && !tty:
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}
