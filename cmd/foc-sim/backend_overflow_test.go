package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/serial"
)

// stuckPort never completes a write until closed, like a UART whose
// peer deasserted flow control.
type stuckPort struct{ unblock chan struct{} }

func (p *stuckPort) Read(b []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, io.EOF
}
func (p *stuckPort) Write(b []byte) (int, error) { <-p.unblock; return len(b), nil }
func (p *stuckPort) Close() error                { close(p.unblock); return nil }

// A stalled UART must not stall the firmware: replies beyond the queue
// are dropped with ErrTxOverflow and counted.
func TestSerialReplyOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := &stuckPort{unblock: make(chan struct{})}
	defer func(orig func(string, int, time.Duration) (serial.Port, error)) { openSerialPort = orig }(openSerialPort)
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return port, nil }

	cfg := &appConfig{uartBackend: "serial", serialDev: "fake", baud: 115200, serialReadTO: 10 * time.Millisecond}
	var wg sync.WaitGroup
	sink, cleanup, err := initSerialBackend(ctx, cfg, newFakeInbox(), testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	defer cleanup()

	var c serial.Codec
	reply, err := c.Encode(1, serial.CmdRead, []byte{1, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	before := metrics.Snap().Errors
	dropped := 0
	for i := 0; i < txQueueSize+8; i++ {
		switch err := sink.SendBytes(reply); {
		case err == nil:
		case errors.Is(err, serial.ErrTxOverflow):
			dropped++
		default:
			t.Fatalf("send %d: %v", i, err)
		}
	}
	// the writer holds at most one frame outside the queue
	if dropped < 7 {
		t.Fatalf("dropped=%d", dropped)
	}
	if got := metrics.Snap().Errors - before; got != uint64(dropped) {
		t.Fatalf("overflow errors counted %d, dropped %d", got, dropped)
	}
}
