package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-foc-firmware/internal/logging"
)

// setupLogger installs the process logger. The level was validated with the
// rest of the flags, so a parse error cannot happen here.
func setupLogger(format, level string) *slog.Logger {
	lvl, _ := logging.ParseLevel(level)
	l := logging.New(format, lvl, os.Stderr).With("app", "foc-sim")
	logging.Set(l)
	return l
}
