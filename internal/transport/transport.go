package transport

import "github.com/kstaniek/go-foc-firmware/internal/can"

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

// ByteSink accepts one encoded UART protocol frame per call.
type ByteSink interface {
	SendBytes([]byte) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(can.Frame) error

func (f FrameSinkFunc) SendFrame(fr can.Frame) error { return f(fr) }
