package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-foc-firmware/internal/device"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("foc-sim %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	fw := &firmware{cfg: cfg, plant: newPlant(cfg), store: newStore(cfg), l: l}

	link, err := initCANBackend(ctx, cfg, h, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "link", "can", "error", err)
		return
	}
	fw.canOut, fw.setNode = link.sink, link.setNode

	uartOut, uartClose, err := initUARTBackend(ctx, cfg, &fw.cur, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "link", "uart", "error", err)
		link.close()
		return
	}
	fw.uartOut = uartOut

	attachFirmware(ctx, cfg, h, &fw.cur, l, &wg)
	if l.Enabled(ctx, slog.LevelDebug) {
		attachTrace(ctx, cfg, h, l, &wg)
	}

	metrics.SetReadinessFunc(func() bool { return fw.cur.ready() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		cleanupMDNS, err := startMDNS(ctx, cfg, uint8(cfg.nodeID))
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName)
			defer cleanupMDNS()
		}
	} else if cfg.mdnsEnable {
		l.Warn("mdns_start_failed", "error", "metrics-addr not set")
	}

	fw.startTicker(ctx, &wg)
	runErr := make(chan error, 1)
	go func() { runErr <- fw.run(ctx) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		err = <-runErr
	case err = <-runErr:
		cancel()
	}
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, device.ErrHalted):
		l.Error("firmware_halted")
	default:
		l.Error("firmware_error", "error", err)
	}
	link.close()
	uartClose()
	wg.Wait()
}
