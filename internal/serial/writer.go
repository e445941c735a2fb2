package serial

import (
	"context"
	"errors"
	"fmt"

	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// Writer owns the write side of a Port. Each queued slice is one encoded
// frame and is written whole or counted as a failure.
type Writer struct {
	*transport.AsyncTx[[]byte]
}

func NewWriter(ctx context.Context, p Port, depth int) *Writer {
	write := func(b []byte) error {
		n, err := p.Write(b)
		if err == nil && n != len(b) {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(b))
		}
		return err
	}
	tx := transport.NewAsyncTx(ctx, depth, write, transport.Hooks{
		OnAfter: metrics.IncSerialTx,
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	})
	return &Writer{tx}
}

// SendBytes queues one encoded frame; b must not be modified afterwards.
func (w *Writer) SendBytes(b []byte) error { return w.Send(b) }
