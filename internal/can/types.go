package can

// SocketCAN flag bits for ID (same values as <linux/can.h>)
const (
	EFFFlag = 0x80000000
	RTRFlag = 0x40000000
	ERRFlag = 0x20000000
	SFFMask = 0x7FF
	EFFMask = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

// Frame is a classic CAN frame as seen by the firmware links.
// ID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes of Data are valid.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [MaxLen]byte
}

// NewFrame builds a frame, truncating payloads longer than MaxLen.
// IDs above the 11-bit range are flagged as extended.
func NewFrame(id uint32, payload []byte) Frame {
	var f Frame
	f.ID = id
	if id&^(EFFFlag|RTRFlag|ERRFlag) > SFFMask {
		f.ID |= EFFFlag
	}
	n := copy(f.Data[:], payload)
	f.Len = uint8(n)
	return f
}

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

func (f Frame) IsExtended() bool { return f.ID&EFFFlag != 0 }
func (f Frame) IsRTR() bool      { return f.ID&RTRFlag != 0 }

// RawID strips the flag bits.
func (f Frame) RawID() uint32 {
	if f.IsExtended() {
		return f.ID & EFFMask
	}
	return f.ID & SFFMask
}
