//go:build linux

package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/can"
	"github.com/kstaniek/go-foc-firmware/internal/hub"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/socketcan"
)

type fakeSocketDev struct {
	pre      []error
	idle     error
	frames   []can.Frame
	idx      int
	errAfter bool
	filtered uint8
}

func (d *fakeSocketDev) ReadFrame(fr *can.Frame) error {
	if len(d.pre) > 0 {
		err := d.pre[0]
		d.pre = d.pre[1:]
		return err
	}
	if d.idx < len(d.frames) {
		*fr = d.frames[d.idx]
		d.idx++
		return nil
	}
	if d.errAfter {
		return io.ErrUnexpectedEOF
	}
	time.Sleep(10 * time.Millisecond)
	if d.idle != nil {
		return d.idle
	}
	return io.EOF
}
func (d *fakeSocketDev) WriteFrame(fr can.Frame) error  { return nil }
func (d *fakeSocketDev) Close() error                   { return nil }
func (d *fakeSocketDev) SetNodeFilter(node uint8) error { d.filtered = node; return nil }

func TestInitSocketCANBackendBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := can.NewFrame(can.EFFFlag|3<<16|7, []byte{1, 2, 3})
	other := can.NewFrame(can.EFFFlag|4<<16|7, []byte{9})

	dev := &fakeSocketDev{frames: []can.Frame{other, mine}, errAfter: true}
	defer func(orig func(string) (socketcan.Dev, error)) { openSocketCANDevice = orig }(openSocketCANDevice)
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return dev, nil }

	h := hub.New()
	in := newFakeInbox()
	in.accept = func(fr can.Frame) bool { return fr.ID&0xFF0000 == 3<<16 }
	cfg := &appConfig{canBackend: "socketcan", canIf: "vcan0", hubBuffer: 8}
	var wg sync.WaitGroup
	attachFirmware(ctx, cfg, h, in, testLogger(), &wg)
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	link, err := initCANBackend(ctx, cfg, h, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initCANBackend: %v", err)
	}
	defer link.close()

	in.wait(t)
	in.mu.Lock()
	frames := append([]can.Frame(nil), in.frames...)
	in.mu.Unlock()
	if len(frames) != 1 || frames[0] != mine {
		t.Fatalf("delivered %+v", frames)
	}

	if link.setNode == nil {
		t.Fatal("filterable device not detected")
	}
	if err := link.setNode(3); err != nil || dev.filtered != 3 {
		t.Fatalf("filter=%d err=%v", dev.filtered, err)
	}
	if err := link.sink.SendFrame(mine); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	// Allow read error path to trigger once.
	time.Sleep(30 * time.Millisecond)
	snap := metrics.Snap()
	if snap.SocketCANRx == 0 {
		t.Fatalf("expected SocketCANRx > 0")
	}
	if snap.Errors == 0 {
		t.Fatalf("expected at least one error increment (read error after frame)")
	}
}

func TestSocketCANTimeoutAndBusError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := can.NewFrame(can.EFFFlag|3<<16|9, []byte{4})
	dev := &fakeSocketDev{
		pre:    []error{socketcan.ErrReadTimeout, &socketcan.BusError{Class: 0x040}, socketcan.ErrReadTimeout},
		frames: []can.Frame{mine},
		idle:   socketcan.ErrReadTimeout,
	}
	defer func(orig func(string) (socketcan.Dev, error)) { openSocketCANDevice = orig }(openSocketCANDevice)
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return dev, nil }

	h := hub.New()
	in := newFakeInbox()
	cfg := &appConfig{canBackend: "socketcan", canIf: "vcan0", hubBuffer: 8}
	var wg sync.WaitGroup
	attachFirmware(ctx, cfg, h, in, testLogger(), &wg)
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	before := metrics.Snap().Errors
	link, err := initCANBackend(ctx, cfg, h, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initCANBackend: %v", err)
	}
	defer link.close()

	// timeouts and bus errors do not stop the loop
	in.wait(t)
	if got := metrics.Snap().Errors - before; got != 1 {
		t.Fatalf("errors counted=%d, want only the bus error", got)
	}
}
