package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-foc-firmware/internal/can"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is what the backend needs from a CAN socket; *Device on linux,
// fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Writer is the only goroutine writing to dev. Endpoint replies, ISO-TP
// frames and heartbeats queue here so the control loop never blocks on
// the socket.
type Writer struct {
	*transport.AsyncTx[can.Frame]
}

func NewWriter(ctx context.Context, dev Dev, depth int) *Writer {
	tx := transport.NewAsyncTx(ctx, depth, dev.WriteFrame, transport.Hooks{
		OnAfter: metrics.IncSocketCANTx,
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Debug("socketcan_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	})
	return &Writer{tx}
}

// SendFrame queues fr; ErrTxOverflow means it was dropped.
func (w *Writer) SendFrame(fr can.Frame) error { return w.Send(fr) }
