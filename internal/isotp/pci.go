package isotp

// Frame type lives in the high nibble of byte 0.
const (
	pciSingle      = 0x0
	pciFirst       = 0x1
	pciConsecutive = 0x2
	pciFlowControl = 0x3
)

// FlowStatus is the low nibble of a FlowControl frame.
type FlowStatus uint8

const (
	FlowContinue FlowStatus = 0
	FlowWait     FlowStatus = 1
	FlowOverflow FlowStatus = 2
)

const (
	frameLen = 8
	// MaxPayload is the largest length a 12-bit First Frame can declare.
	MaxPayload = 0xFFF

	singleMax      = frameLen - 1
	firstData      = frameLen - 2
	consecutiveMax = frameLen - 1
	flowControlLen = 3
)

// pciType extracts the frame type from the first byte.
func pciType(b0 byte) byte { return b0 >> 4 }

// encodeSingle fills a Single Frame; n is the number of meaningful bytes.
func encodeSingle(payload []byte) (f [frameLen]byte, n int) {
	f[0] = pciSingle<<4 | byte(len(payload))&0x0F
	copy(f[1:], payload)
	return f, 1 + len(payload)
}

// encodeFirst fills a First Frame with a 12-bit total length and 6 data bytes.
func encodeFirst(total int, payload []byte) (f [frameLen]byte, n int) {
	f[0] = pciFirst<<4 | byte(total>>8)&0x0F
	f[1] = byte(total)
	copy(f[2:], payload[:firstData])
	return f, frameLen
}

func encodeConsecutive(sn uint8, payload []byte) (f [frameLen]byte, n int) {
	f[0] = pciConsecutive<<4 | sn&0x0F
	copy(f[1:], payload)
	return f, 1 + len(payload)
}

func encodeFlowControl(fs FlowStatus, bs, stMin uint8) (f [frameLen]byte, n int) {
	f[0] = pciFlowControl<<4 | byte(fs)&0x0F
	f[1] = bs
	f[2] = stMin
	return f, flowControlLen
}

// singleLength returns the SF_DL nibble.
func singleLength(b0 byte) int { return int(b0 & 0x0F) }

// firstLength decodes the 12-bit FF_DL split across bytes 0 and 1.
func firstLength(b0, b1 byte) int { return int(b0&0x0F)<<8 | int(b1) }

func sequenceNumber(b0 byte) uint8 { return b0 & 0x0F }

func flowStatus(b0 byte) FlowStatus { return FlowStatus(b0 & 0x0F) }

// stMinToMs converts the wire separation time: 0x00-0x7F are milliseconds,
// 0xF1-0xF9 are 100-900us and round up to 1ms, anything else reads as 0.
func stMinToMs(code uint8) uint32 {
	switch {
	case code <= 0x7F:
		return uint32(code)
	case code >= 0xF1 && code <= 0xF9:
		return 1
	default:
		return 0
	}
}
