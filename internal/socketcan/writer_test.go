package socketcan

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kstaniek/go-foc-firmware/internal/can"
)

type gatedDev struct {
	mu      sync.Mutex
	release chan struct{}
	written []can.Frame
}

func (d *gatedDev) ReadFrame(*can.Frame) error { return errors.New("not used") }
func (d *gatedDev) Close() error               { return nil }
func (d *gatedDev) WriteFrame(fr can.Frame) error {
	<-d.release
	d.mu.Lock()
	d.written = append(d.written, fr)
	d.mu.Unlock()
	return nil
}

func TestWriterOverflowAndFlush(t *testing.T) {
	dev := &gatedDev{release: make(chan struct{})}
	w := NewWriter(context.Background(), dev, 2)

	var overflow int
	for i := 0; i < 6; i++ {
		err := w.SendFrame(can.NewFrame(uint32(0x100+i), nil))
		switch {
		case err == nil:
		case errors.Is(err, ErrTxOverflow):
			overflow++
		default:
			t.Fatalf("send %d: %v", i, err)
		}
	}
	// at most one frame in the writer plus two queued
	if overflow < 3 {
		t.Fatalf("overflow=%d", overflow)
	}
	close(dev.release)
	w.Close()
	if got := len(dev.written); got != 6-overflow {
		t.Fatalf("written=%d accepted=%d", got, 6-overflow)
	}
	for i := 1; i < len(dev.written); i++ {
		if dev.written[i].ID <= dev.written[i-1].ID {
			t.Fatalf("out of order: %+v", dev.written)
		}
	}
	if s := w.Stats(); s.Dropped != uint64(overflow) {
		t.Fatalf("stats %+v overflow=%d", s, overflow)
	}
}
