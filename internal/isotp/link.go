// Package isotp implements ISO 15765-2 segmentation and reassembly over
// classic 8-byte CAN frames. A Link owns one send and one receive transfer;
// it never touches CAN hardware itself and only talks to the lower layer
// through the injected SendFunc and NowFunc.
//
// A Link is not safe for concurrent use. The firmware touches it from a
// single thread of control (deferred CAN handler and the per-tick Poll).
package isotp

// SendFunc transmits one CAN frame payload on the given arbitration id.
type SendFunc func(id uint32, data []byte) error

// NowFunc returns a free-running millisecond clock. Wraparound is handled.
type NowFunc func() uint32

// SendStatus is the state of the outgoing transfer.
type SendStatus uint8

const (
	SendIdle SendStatus = iota
	SendInProgress
	SendError
)

// ReceiveStatus is the state of the incoming transfer.
type ReceiveStatus uint8

const (
	ReceiveIdle ReceiveStatus = iota
	ReceiveInProgress
	ReceiveFull
)

const (
	DefaultBlockSize       = 8
	DefaultSTMin           = 0
	DefaultResponseTimeout = 100 // ms
	DefaultMaxWaitFrames   = 1

	// bsUnlimited marks a peer that granted block size 0.
	bsUnlimited = 0xFFFF
)

// Option customises a Link.
type Option func(*Link)

// WithBlockSize sets the block size advertised in our FlowControl replies
// (0 = unlimited).
func WithBlockSize(bs uint8) Option { return func(l *Link) { l.blockSize = bs } }

// WithSTMin sets the separation time code advertised to the peer.
func WithSTMin(code uint8) Option { return func(l *Link) { l.stMin = code } }

// WithResponseTimeout sets the N_Bs/N_Cr timeout in milliseconds.
func WithResponseTimeout(ms uint32) Option {
	return func(l *Link) {
		if ms > 0 {
			l.timeout = ms
		}
	}
}

// WithMaxWaitFrames sets how many FlowControl Wait frames are tolerated.
func WithMaxWaitFrames(n uint8) Option { return func(l *Link) { l.maxWFT = n } }

// WithPadding pads every transmitted frame to 8 bytes with zeros.
func WithPadding(on bool) Option { return func(l *Link) { l.padding = on } }

// Link is one ISO-TP session with a single peer.
type Link struct {
	sendID uint32
	send   SendFunc
	now    NowFunc

	blockSize uint8
	stMin     uint8
	timeout   uint32
	maxWFT    uint8
	padding   bool

	// outgoing transfer
	sendBuf            []byte
	sendSize           int
	sendOffset         int
	sendTxID           uint32
	sendSN             uint8
	sendBSRemain       uint16
	sendSTMin          uint32
	sendWFTCount       uint8
	sendTimerST        uint32
	sendTimerBS        uint32
	sendStatus         SendStatus
	sendProtocolResult ProtocolResult

	// incoming transfer
	recvBuf            []byte
	recvSize           int
	recvOffset         int
	recvSN             uint8
	recvBSCount        uint8
	recvTimerCR        uint32
	recvStatus         ReceiveStatus
	recvProtocolResult ProtocolResult
}

// NewLink binds caller-owned buffers and leaves both directions Idle.
// sendID is used for FlowControl replies and by Send.
func NewLink(sendID uint32, sendBuf, recvBuf []byte, send SendFunc, now NowFunc, opts ...Option) *Link {
	l := &Link{
		sendID:    sendID,
		send:      send,
		now:       now,
		blockSize: DefaultBlockSize,
		stMin:     DefaultSTMin,
		timeout:   DefaultResponseTimeout,
		maxWFT:    DefaultMaxWaitFrames,
		sendBuf:   sendBuf,
		recvBuf:   recvBuf,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Link) SendID() uint32                        { return l.sendID }
func (l *Link) SendStatus() SendStatus                { return l.sendStatus }
func (l *Link) ReceiveStatus() ReceiveStatus          { return l.recvStatus }
func (l *Link) SendProtocolResult() ProtocolResult    { return l.sendProtocolResult }
func (l *Link) ReceiveProtocolResult() ProtocolResult { return l.recvProtocolResult }

// timeAfter reports whether a is strictly after b on a wrapping ms clock.
func timeAfter(a, b uint32) bool { return int32(b-a) < 0 }

func (l *Link) transmit(id uint32, f [frameLen]byte, n int) error {
	if l.padding {
		n = frameLen
	}
	if err := l.send(id, f[:n]); err != nil {
		return fmtFrameSend(err)
	}
	return nil
}

// Send transmits payload on the link's own send id.
func (l *Link) Send(payload []byte) error { return l.SendWithID(l.sendID, payload) }

// SendWithID starts a transfer on id. Payloads shorter than 8 bytes go out
// immediately as a Single Frame; longer ones send a First Frame and the rest
// is emitted from Poll once the peer grants flow control.
func (l *Link) SendWithID(id uint32, payload []byte) error {
	if len(payload) > len(l.sendBuf) || len(payload) > MaxPayload {
		return ErrOverflow
	}
	if l.sendStatus == SendInProgress {
		return ErrInProgress
	}
	l.sendSize = copy(l.sendBuf, payload)
	l.sendOffset = 0
	l.sendTxID = id

	if l.sendSize < frameLen {
		f, n := encodeSingle(l.sendBuf[:l.sendSize])
		return l.transmit(id, f, n)
	}

	f, n := encodeFirst(l.sendSize, l.sendBuf)
	if err := l.transmit(id, f, n); err != nil {
		return err
	}
	now := l.now()
	l.sendOffset = firstData
	l.sendSN = 1
	l.sendBSRemain = 0
	l.sendSTMin = 0
	l.sendWFTCount = 0
	l.sendTimerST = now
	l.sendTimerBS = now + l.timeout
	l.sendProtocolResult = ResultOK
	l.sendStatus = SendInProgress
	return nil
}

// OnFrameReceived feeds one received CAN payload addressed to this link.
func (l *Link) OnFrameReceived(data []byte) error {
	if len(data) == 0 {
		return ErrLength
	}
	switch pciType(data[0]) {
	case pciSingle:
		l.flagUnexpected()
		if err := l.receiveSingle(data); err != nil {
			return err
		}
		l.recvStatus = ReceiveFull
		return nil

	case pciFirst:
		l.flagUnexpected()
		err := l.receiveFirst(data)
		switch err {
		case nil:
			l.recvSN = 1
			l.recvBSCount = l.blockSize
			l.recvTimerCR = l.now() + l.timeout
			l.recvStatus = ReceiveInProgress
			return l.sendFlowControl(FlowContinue, l.blockSize, l.stMin)
		case ErrOverflow:
			l.recvProtocolResult = ResultBufferOverflow
			l.recvStatus = ReceiveIdle
			if ferr := l.sendFlowControl(FlowOverflow, 0, 0); ferr != nil {
				return ferr
			}
			return ErrOverflow
		default:
			return err
		}

	case pciConsecutive:
		if l.recvStatus != ReceiveInProgress {
			l.recvProtocolResult = ResultUnexpectedPDU
			return ErrUnexpectedPDU
		}
		if err := l.receiveConsecutive(data); err != nil {
			if err == ErrWrongSN {
				l.recvProtocolResult = ResultWrongSN
				l.recvStatus = ReceiveIdle
			}
			return err
		}
		l.recvTimerCR = l.now() + l.timeout
		if l.recvOffset >= l.recvSize {
			l.recvStatus = ReceiveFull
			return nil
		}
		if l.blockSize > 0 {
			l.recvBSCount--
			if l.recvBSCount == 0 {
				l.recvBSCount = l.blockSize
				return l.sendFlowControl(FlowContinue, l.blockSize, l.stMin)
			}
		}
		return nil

	case pciFlowControl:
		if l.sendStatus != SendInProgress {
			return nil
		}
		if len(data) < flowControlLen {
			return ErrLength
		}
		l.sendTimerBS = l.now() + l.timeout
		switch flowStatus(data[0]) {
		case FlowOverflow:
			l.sendProtocolResult = ResultBufferOverflow
			l.sendStatus = SendError
		case FlowWait:
			l.sendWFTCount++
			if l.sendWFTCount > l.maxWFT {
				l.sendProtocolResult = ResultWftOverrun
				l.sendStatus = SendError
			}
		case FlowContinue:
			if data[1] == 0 {
				l.sendBSRemain = bsUnlimited
			} else {
				l.sendBSRemain = uint16(data[1])
			}
			l.sendSTMin = stMinToMs(data[2])
			l.sendWFTCount = 0
		default:
			l.sendProtocolResult = ResultInvalidFS
			l.sendStatus = SendError
		}
		return nil
	}
	return ErrUnknownPCI
}

// flagUnexpected records a Single/First Frame arriving mid-reception. The
// frame is still processed.
func (l *Link) flagUnexpected() {
	if l.recvStatus == ReceiveInProgress {
		l.recvProtocolResult = ResultUnexpectedPDU
	} else {
		l.recvProtocolResult = ResultOK
	}
}

func (l *Link) receiveSingle(data []byte) error {
	n := singleLength(data[0])
	if n == 0 || n > len(data)-1 {
		return ErrLength
	}
	if n > len(l.recvBuf) {
		return ErrOverflow
	}
	copy(l.recvBuf, data[1:1+n])
	l.recvSize = n
	l.recvOffset = n
	return nil
}

func (l *Link) receiveFirst(data []byte) error {
	if len(data) != frameLen {
		return ErrLength
	}
	total := firstLength(data[0], data[1])
	if total <= singleMax {
		return ErrLength
	}
	if total > len(l.recvBuf) {
		return ErrOverflow
	}
	copy(l.recvBuf, data[2:2+firstData])
	l.recvSize = total
	l.recvOffset = firstData
	return nil
}

func (l *Link) receiveConsecutive(data []byte) error {
	if sequenceNumber(data[0]) != l.recvSN {
		return ErrWrongSN
	}
	remaining := l.recvSize - l.recvOffset
	if remaining > consecutiveMax {
		remaining = consecutiveMax
	}
	if remaining > len(data)-1 {
		return ErrLength
	}
	copy(l.recvBuf[l.recvOffset:], data[1:1+remaining])
	l.recvOffset += remaining
	l.recvSN = (l.recvSN + 1) & 0x0F
	return nil
}

func (l *Link) sendFlowControl(fs FlowStatus, bs, stMin uint8) error {
	f, n := encodeFlowControl(fs, bs, stMin)
	return l.transmit(l.sendID, f, n)
}

func (l *Link) sendConsecutive() error {
	n := l.sendSize - l.sendOffset
	if n > consecutiveMax {
		n = consecutiveMax
	}
	f, fl := encodeConsecutive(l.sendSN, l.sendBuf[l.sendOffset:l.sendOffset+n])
	if err := l.transmit(l.sendTxID, f, fl); err != nil {
		return err
	}
	l.sendOffset += n
	l.sendSN = (l.sendSN + 1) & 0x0F
	return nil
}

// Poll advances timers and emits the next Consecutive Frame when allowed.
// Call it at least as often as the negotiated separation time.
func (l *Link) Poll() {
	if l.sendStatus == SendInProgress {
		now := l.now()
		canBurst := l.sendBSRemain == bsUnlimited || l.sendBSRemain > 0
		stElapsed := l.sendSTMin == 0 || timeAfter(now, l.sendTimerST)
		if canBurst && stElapsed {
			if err := l.sendConsecutive(); err != nil {
				l.sendProtocolResult = ResultError
				l.sendStatus = SendError
			} else {
				if l.sendBSRemain != bsUnlimited {
					l.sendBSRemain--
				}
				l.sendTimerBS = now + l.timeout
				l.sendTimerST = now + l.sendSTMin
				if l.sendOffset >= l.sendSize {
					l.sendStatus = SendIdle
				}
			}
		}
		if l.sendStatus == SendInProgress && timeAfter(now, l.sendTimerBS) {
			l.sendProtocolResult = ResultTimeoutBS
			l.sendStatus = SendError
		}
	}

	if l.recvStatus == ReceiveInProgress && timeAfter(l.now(), l.recvTimerCR) {
		l.recvProtocolResult = ResultTimeoutCR
		l.recvStatus = ReceiveIdle
	}
}

// Receive copies a completed message into out and consumes it.
func (l *Link) Receive(out []byte) (int, error) {
	if l.recvStatus != ReceiveFull {
		return 0, ErrNoData
	}
	n := copy(out, l.recvBuf[:l.recvSize])
	l.recvStatus = ReceiveIdle
	return n, nil
}
