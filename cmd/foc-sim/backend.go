package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-foc-firmware/internal/can"
	"github.com/kstaniek/go-foc-firmware/internal/hub"
	"github.com/kstaniek/go-foc-firmware/internal/transport"
)

// inbox is the interrupt-side surface of the running firmware.
type inbox interface {
	DeliverCAN(can.Frame)
	DeliverUART([]byte)
	Accepts(can.Frame) bool
}

// canLink is an opened CAN backend.
type canLink struct {
	sink transport.FrameSink
	// setNode narrows kernel-side filtering to one node; nil when unsupported.
	setNode func(uint8) error
	close   func()
}

var discardFrames = transport.FrameSinkFunc(func(can.Frame) error { return nil })

// initCANBackend opens the configured CAN link. Received frames are
// broadcast on h.
func initCANBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*canLink, error) {
	switch cfg.canBackend {
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, h, l, wg)
	case "none":
		l.Info("can_backend_disabled")
		return &canLink{sink: discardFrames, close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown can backend %q (use socketcan|none)", cfg.canBackend)
	}
}

// initUARTBackend opens the configured UART link. A nil sink means replies
// are discarded.
func initUARTBackend(ctx context.Context, cfg *appConfig, in inbox, l *slog.Logger, wg *sync.WaitGroup) (transport.ByteSink, func(), error) {
	switch cfg.uartBackend {
	case "serial":
		return initSerialBackend(ctx, cfg, in, l, wg)
	case "none":
		return nil, func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown uart backend %q (use serial|none)", cfg.uartBackend)
	}
}

// attachFirmware subscribes the firmware mailbox to the hub. A subscriber
// kicked for falling behind is replaced so the device stays reachable.
func attachFirmware(ctx context.Context, cfg *appConfig, h *hub.Hub, in inbox, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			sub := hub.NewSubscriber("firmware", cfg.hubBuffer, in.Accepts)
			h.Add(sub)
			kicked := pump(ctx, sub, in.DeliverCAN)
			h.Remove(sub)
			if !kicked {
				return
			}
			l.Warn("firmware_subscriber_replaced")
		}
	}()
}

// attachTrace logs every bus frame at debug level.
func attachTrace(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) {
	sub := hub.NewSubscriber("trace", cfg.hubBuffer, nil)
	h.Add(sub)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer h.Remove(sub)
		pump(ctx, sub, func(fr can.Frame) {
			l.Debug("can_rx", "id", fmt.Sprintf("%08X", fr.RawID()), "ext", fr.IsExtended(), "rtr", fr.IsRTR(), "data", fmt.Sprintf("% X", fr.Payload()))
		})
	}()
}

// pump forwards frames until ctx ends (false) or the hub closes sub (true).
func pump(ctx context.Context, sub *hub.Subscriber, fn func(can.Frame)) bool {
	for {
		select {
		case fr := <-sub.Out:
			fn(fr)
		case <-sub.Closed:
			return ctx.Err() == nil
		case <-ctx.Done():
			return false
		}
	}
}
