package main

import (
	"log/slog"

	"github.com/kstaniek/go-foc-firmware/internal/hub"
)

// initHub builds the fan-out for received CAN frames. The firmware mailbox
// and the debug trace are its subscribers.
func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	p, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "error", err, "used", p)
	}
	h.Policy = p
	l.Info("build_info", "version", version, "commit", commit, "date", date, "firmware", firmwareVersion.String())
	l.Info("hub_config", "policy", h.Policy, "buffer", cfg.hubBuffer)
	return h
}
