package serial

import (
	"bytes"
	"errors"

	"github.com/kstaniek/go-foc-firmware/internal/metrics"
)

// UART protocol constants.
const (
	STX      = 0x02
	CmdWrite = 0
	CmdRead  = 1
	MaxData  = 8

	// LEN counts EP + CMD + DATA.
	minLen = 2
	maxLen = 2 + MaxData
	// STX + LEN + body + CRC16
	overhead = 4
)

var ErrFrameTooLong = errors.New("serial: frame data exceeds 8 bytes")

// Frame is one decoded UART protocol message addressed to an endpoint.
type Frame struct {
	EP   uint8
	Cmd  uint8
	Len  uint8
	Data [MaxData]byte
}

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	// If buffer size < 1KB, skip.
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// CRC16 is CRC-16/CCITT-FALSE: polynomial 0x1021, seed 0xFFFF, MSB first,
// no final xor. The frame carries it low byte first.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Encode builds a wire frame:
// [STX][LEN][EP][CMD][DATA...][CRC_LO][CRC_HI]
// CRC covers LEN through DATA.
func (Codec) Encode(ep, cmd uint8, data []byte) ([]byte, error) {
	if len(data) > MaxData {
		return nil, ErrFrameTooLong
	}
	n := len(data)
	frame := make([]byte, n+2+overhead)
	frame[0] = STX
	frame[1] = byte(n + 2)
	frame[2] = ep
	frame[3] = cmd
	copy(frame[4:], data)
	crc := CRC16(frame[1 : 4+n])
	frame[4+n] = byte(crc)
	frame[5+n] = byte(crc >> 8)
	return frame, nil
}

// DecodeStream consumes complete frames from in and emits them via out.
// Partial frames stay buffered. Bad length, command or CRC bytes are
// counted and skipped one byte at a time until the stream realigns.
//
// Example (read endpoint 5):
// 02    - STX
// 02    - LEN = EP + CMD
// 05 01 - EP, CMD=read
// xx xx - CRC16 over 02 05 01, low byte first
func (Codec) DecodeStream(in *bytes.Buffer, out func(Frame)) error {
	for {
		data := in.Bytes()
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		if len(data) == 0 {
			return nil
		}

		// align to STX
		i := bytes.IndexByte(data, STX)
		if i < 0 {
			in.Reset()
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		if len(data) < 2 {
			return nil
		}
		ln := int(data[1])
		if ln < minLen || ln > maxLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		req := ln + overhead
		if len(data) < req {
			return nil
		}

		crc := CRC16(data[1 : 2+ln])
		if byte(crc) != data[req-2] || byte(crc>>8) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		if cmd := data[3]; cmd != CmdWrite && cmd != CmdRead {
			metrics.IncMalformed()
			in.Next(req)
			continue
		}

		var f Frame
		f.EP = data[2]
		f.Cmd = data[3]
		f.Len = uint8(ln - 2)
		copy(f.Data[:], data[4:2+ln])

		out(f)
		metrics.IncSerialRx()
		in.Next(req)
	}
}
