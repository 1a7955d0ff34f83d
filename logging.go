package enet

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// NewLogger builds a tint-backed slog.Logger, the same colorized
// console handler malbeclabs-doublezero wires up in its service
// entrypoints. Callers wanting JSON or a different sink should
// construct their own *slog.Logger and set it on HostConfig directly.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{Level: level}))
}
