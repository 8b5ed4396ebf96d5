package runtime

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the process logger at the configured level. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string, json bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
