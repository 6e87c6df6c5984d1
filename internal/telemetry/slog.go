package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger configures the global slog default logger to write to stdout.
//
// format: "json"  → JSONHandler (machine readable; recommended for production)
//
//	anything else → TextHandler (human readable; suitable for local development)
//
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
func SetupLogger(format, level string) {
	SetupLoggerTo(os.Stdout, format, level)
	slog.Info("logger initialised", "format", format, "level", ParseLevel(level).String())
}

// SetupLoggerTo is SetupLogger with an explicit destination. The pre-receive
// hook uses it with os.Stderr because everything the hook prints is relayed
// to the pushing client.
func SetupLoggerTo(w io.Writer, format, level string) {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a configuration string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
