//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/can"
	"github.com/kstaniek/go-foc-firmware/internal/hub"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/socketcan"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) {
	return socketcan.Open(iface, socketcan.WithReadTimeout(socketCANReadTimeout), socketcan.WithErrorFrames())
}

// nodeFilterer is implemented by devices that can filter in the kernel.
type nodeFilterer interface {
	SetNodeFilter(node uint8) error
}

// initSocketCANBackend opens the interface and starts the RX loop.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*canLink, error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tw := socketcan.NewWriter(ctx, dev, txQueueSize)
	quiet := logging.NewLimiter(time.Second)
	read := func() (rxAction, error) {
		var fr can.Frame
		err := dev.ReadFrame(&fr)
		var busErr *socketcan.BusError
		switch {
		case err == nil:
			metrics.IncSocketCANRx()
			h.Broadcast(fr)
			return rxRetry, nil
		case errors.Is(err, socketcan.ErrReadTimeout):
			return rxIdle, err
		case errors.As(err, &busErr):
			metrics.IncError(metrics.ErrSocketCANBus)
			if ok, n := quiet.Allow("bus"); ok {
				l.Warn("socketcan_bus_error", "error", busErr, "bus_off", busErr.BusOff(), "suppressed", n)
			}
			return rxIdle, err
		}
		return rxRetry, err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rxLoop(ctx, "socketcan", metrics.ErrSocketCANRead, l, read)
	}()
	link := &canLink{sink: tw, close: func() { _ = dev.Close(); tw.Close() }}
	if f, ok := dev.(nodeFilterer); ok {
		link.setNode = f.SetNodeFilter
	}
	return link, nil
}
