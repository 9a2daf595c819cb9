package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level name to a slog.Level. Unknown names map to info.
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

// NewHandler builds the handler used by SetupLogger writing to w.
//
// format "json" selects a JSONHandler; anything else selects a TextHandler.
// Source locations are included only at debug level.
func NewHandler(w io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetupLogger installs the process-wide default slog logger on stdout.
//
// Packages log through slog.Info/Warn/Error directly rather than carrying a
// *slog.Logger, so this must run before any other component is constructed.
func SetupLogger(format, level string) {
	slog.SetDefault(slog.New(NewHandler(os.Stdout, format, level)))
	slog.Info("logger initialised", "format", format, "level", ParseLevel(level).String())
}
