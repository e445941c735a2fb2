// Package logging holds the process-wide slog logger and small helpers
// for code that logs from the control loop.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(New("text", slog.LevelInfo, os.Stderr))
}

// L returns the process logger. Packages call it at log time so a logger
// installed by main after init is picked up everywhere.
func L() *slog.Logger { return current.Load() }

// Set installs l as the process logger; nil is ignored.
func Set(l *slog.Logger) {
	if l == nil {
		return
	}
	current.Store(l)
}

// Discard silences the process logger and returns a func restoring the
// previous one. Meant for tests and benchmarks.
func Discard() (restore func()) {
	prev := current.Swap(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return func() { current.Store(prev) }
}

// ParseLevel maps the command-line level names onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing text or JSON records to w (stderr when nil).
// Unknown formats fall back to text.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
