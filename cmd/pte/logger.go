package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// newLogger builds the process logger. "text" selects the colorized handler.
func newLogger(output io.Writer, format, level string) *slog.Logger {
	lvl := parseLevel(level)
	if format == "text" {
		return slog.New(tint.NewHandler(output, &tint.Options{
			Level:      lvl,
			TimeFormat: "15:04:05.000",
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Value.Kind() == slog.KindAny {
					if _, ok := a.Value.Any().(error); ok {
						return tint.Attr(9, a)
					}
				}
				return a
			},
		}))
	}
	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: lvl}))
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
