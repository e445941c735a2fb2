package socketcan

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-foc-firmware/internal/can"
)

// ErrReadTimeout is returned by ReadFrame when WithReadTimeout is set and
// nothing arrived in time.
var ErrReadTimeout = errors.New("socketcan: read timeout")

type options struct {
	readTimeout time.Duration
	errFrames   bool
}

type Option func(*options)

// WithReadTimeout bounds each ReadFrame so the RX loop can notice shutdown
// without closing the socket under it.
func WithReadTimeout(d time.Duration) Option { return func(o *options) { o.readTimeout = d } }

// WithErrorFrames subscribes to controller error frames, reported by
// ReadFrame as *BusError.
func WithErrorFrames() Option { return func(o *options) { o.errFrames = true } }

// Device is a raw SocketCAN socket carrying classic frames only.
type Device struct {
	fd    int
	iface string
}

func Open(iface string, opts ...Option) (*Device, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	d := &Device{fd: fd, iface: iface}
	if err := d.configure(o); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return d, nil
}

func (d *Device) configure(o options) error {
	// FD frames would not fit frameSize; kernels without FD support lack the option.
	if err := unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
		return fmt.Errorf("disable CAN FD: %w", err)
	}
	if o.errFrames {
		if err := unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
			return fmt.Errorf("enable error frames: %w", err)
		}
	}
	if o.readTimeout > 0 {
		tv := unix.NsecToTimeval(o.readTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return fmt.Errorf("read timeout: %w", err)
		}
	}
	return nil
}

func (d *Device) Interface() string { return d.iface }

func (d *Device) Close() error { return unix.Close(d.fd) }

// bits 16..28 of an extended id carry the node
const nodeMask = can.EFFMask &^ 0xFFFF

// SetNodeFilter asks the kernel to deliver only extended frames addressed to
// node (node_id<<16 | endpoint). Heartbeats and other nodes' traffic are
// dropped before they reach user space. Error frames are not affected.
func (d *Device) SetNodeFilter(node uint8) error {
	f := []unix.CanFilter{{
		Id:   can.EFFFlag | uint32(node)<<16,
		Mask: can.EFFFlag | nodeMask,
	}}
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, f); err != nil {
		return fmt.Errorf("set CAN filter: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next classic frame.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [frameSize]byte
	n, err := unix.Read(d.fd, buf[:])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		return ErrReadTimeout
	case err != nil:
		return err
	}
	return decodeFrame(buf[:n], fr)
}

func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [frameSize]byte
	encodeFrame(&buf, fr)
	n, err := unix.Write(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != frameSize {
		return fmt.Errorf("%w: wrote %d bytes", ErrShortFrame, n)
	}
	return nil
}
