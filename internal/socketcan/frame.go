package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-foc-firmware/internal/can"
)

// frameSize is sizeof(struct can_frame): id u32, dlc u8, 3 pad bytes, data[8].
const frameSize = 16

var ErrShortFrame = errors.New("socketcan: short frame")

// Error classes carried in the id of an error frame (linux/can/error.h).
const (
	errClassTxTimeout  = 0x001
	errClassLostArb    = 0x002
	errClassController = 0x004
	errClassProtocol   = 0x008
	errClassBusOff     = 0x040
	errClassBusError   = 0x080
	errClassRestarted  = 0x100
)

// BusError is returned by ReadFrame for an error frame raised by the
// controller. The bus may still be usable; BusOff says it is not.
type BusError struct {
	Class uint32
	Data  [can.MaxLen]byte
}

func (e *BusError) BusOff() bool { return e.Class&errClassBusOff != 0 }

func (e *BusError) Error() string {
	var what string
	switch {
	case e.Class&errClassBusOff != 0:
		what = "bus off"
	case e.Class&errClassRestarted != 0:
		what = "controller restarted"
	case e.Class&errClassController != 0:
		what = "controller problem"
	case e.Class&errClassProtocol != 0, e.Class&errClassBusError != 0:
		what = "protocol violation"
	case e.Class&errClassTxTimeout != 0:
		what = "tx timeout"
	case e.Class&errClassLostArb != 0:
		what = "lost arbitration"
	default:
		what = "error frame"
	}
	return fmt.Sprintf("socketcan: %s (class 0x%03X)", what, e.Class)
}

// encodeFrame lays fr out as a struct can_frame in host byte order.
func encodeFrame(buf *[frameSize]byte, fr can.Frame) {
	*buf = [frameSize]byte{}
	binary.NativeEndian.PutUint32(buf[0:4], fr.ID)
	n := copy(buf[8:], fr.Payload())
	buf[4] = uint8(n)
}

// decodeFrame parses a struct can_frame. Error frames come back as
// *BusError with fr untouched.
func decodeFrame(b []byte, fr *can.Frame) error {
	if len(b) < frameSize {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	id := binary.NativeEndian.Uint32(b[0:4])
	n := b[4]
	if n > can.MaxLen {
		n = can.MaxLen
	}
	if id&can.ERRFlag != 0 {
		e := &BusError{Class: id & can.EFFMask}
		copy(e.Data[:], b[8:16])
		return e
	}
	*fr = can.Frame{ID: id, Len: n}
	copy(fr.Data[:], b[8:8+int(n)])
	return nil
}
