package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/serial"
	"github.com/kstaniek/go-foc-firmware/internal/transport"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend opens the UART link. Raw bytes go straight to the
// firmware; framing happens in its deferred UART handler.
func initSerialBackend(ctx context.Context, cfg *appConfig, in inbox, l *slog.Logger, wg *sync.WaitGroup) (transport.ByteSink, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	w := serial.NewWriter(ctx, sp, txQueueSize)

	buf := make([]byte, serialReadBufSize)
	read := func() (rxAction, error) {
		n, err := sp.Read(buf)
		if n > 0 {
			in.DeliverUART(buf[:n])
		}
		if err != nil {
			return classifySerialErr(err), err
		}
		return rxRetry, nil
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rxLoop(ctx, "serial", metrics.ErrSerialRead, l, read)
	}()
	return w, func() { _ = sp.Close(); w.Close() }, nil
}
