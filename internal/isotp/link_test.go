package isotp

import (
	"bytes"
	"errors"
	"testing"
)

type sentFrame struct {
	id   uint32
	data []byte
}

// harness wires two links back to back with a shared millisecond clock.
type harness struct {
	clk      uint32
	a, b     *Link
	aTx, bTx []sentFrame
	aLog     []sentFrame
	bLog     []sentFrame
}

func newHarness(sendCap, recvCap int, opts ...Option) *harness {
	h := &harness{}
	now := func() uint32 { return h.clk }
	h.a = NewLink(0x7E0, make([]byte, sendCap), make([]byte, recvCap), func(id uint32, d []byte) error {
		fr := sentFrame{id: id, data: append([]byte(nil), d...)}
		h.aTx = append(h.aTx, fr)
		h.aLog = append(h.aLog, fr)
		return nil
	}, now, opts...)
	h.b = NewLink(0x7E8, make([]byte, sendCap), make([]byte, recvCap), func(id uint32, d []byte) error {
		fr := sentFrame{id: id, data: append([]byte(nil), d...)}
		h.bTx = append(h.bTx, fr)
		h.bLog = append(h.bLog, fr)
		return nil
	}, now, opts...)
	return h
}

func (h *harness) step() {
	aTx, bTx := h.aTx, h.bTx
	h.aTx, h.bTx = nil, nil
	for _, fr := range aTx {
		_ = h.b.OnFrameReceived(fr.data)
	}
	for _, fr := range bTx {
		_ = h.a.OnFrameReceived(fr.data)
	}
	h.a.Poll()
	h.b.Poll()
	h.clk++
}

// transfer sends payload from a to b and returns what b received.
func (h *harness) transfer(t *testing.T, payload []byte) []byte {
	t.Helper()
	if err := h.a.Send(payload); err != nil {
		t.Fatalf("send %d bytes: %v", len(payload), err)
	}
	for i := 0; i < 4*len(payload)+16; i++ {
		h.step()
		if h.b.ReceiveStatus() == ReceiveFull && h.a.SendStatus() != SendInProgress {
			break
		}
	}
	out := make([]byte, len(payload)+8)
	n, err := h.b.Receive(out)
	if err != nil {
		t.Fatalf("receive after %d bytes: %v (send=%v/%v recv=%v/%v)", len(payload), err,
			h.a.SendStatus(), h.a.SendProtocolResult(), h.b.ReceiveStatus(), h.b.ReceiveProtocolResult())
	}
	return out[:n]
}

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + n)
	}
	return p
}

func countTypes(frames []sentFrame) map[byte]int {
	m := map[byte]int{}
	for _, f := range frames {
		m[pciType(f.data[0])]++
	}
	return m
}

func TestRoundTripAllLengths(t *testing.T) {
	stride := 1
	if testing.Short() {
		stride = 37
	}
	h := newHarness(MaxPayload, MaxPayload)
	for n := 1; n <= MaxPayload; n += stride {
		p := payloadOf(n)
		if got := h.transfer(t, p); !bytes.Equal(got, p) {
			t.Fatalf("length %d: payload mismatch", n)
		}
	}
	p := payloadOf(MaxPayload)
	if got := h.transfer(t, p); !bytes.Equal(got, p) {
		t.Fatalf("max length payload mismatch")
	}
}

func TestSingleFrameScenario(t *testing.T) {
	h := newHarness(64, 64)
	if err := h.a.Send([]byte{0xAA, 0xBB, 0xCC}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(h.aLog) != 1 {
		t.Fatalf("expected one frame, got %d", len(h.aLog))
	}
	fr := h.aLog[0]
	if fr.id != 0x7E0 || !bytes.Equal(fr.data, []byte{0x03, 0xAA, 0xBB, 0xCC}) {
		t.Fatalf("unexpected frame id=0x%X data=% X", fr.id, fr.data)
	}
	if h.a.SendStatus() != SendIdle {
		t.Fatalf("single frame send should stay idle, got %v", h.a.SendStatus())
	}
}

func TestSegmentationBoundaries(t *testing.T) {
	tests := []struct {
		n           int
		single      int
		first       int
		consecutive int
	}{
		{7, 1, 0, 0},
		{8, 0, 1, 1},
		{13, 0, 1, 1},
		{14, 0, 1, 2},
		{6 + 7*3, 0, 1, 3},
	}
	for _, tc := range tests {
		h := newHarness(256, 256)
		p := payloadOf(tc.n)
		if got := h.transfer(t, p); !bytes.Equal(got, p) {
			t.Fatalf("n=%d: mismatch", tc.n)
		}
		c := countTypes(h.aLog)
		if c[pciSingle] != tc.single || c[pciFirst] != tc.first || c[pciConsecutive] != tc.consecutive {
			t.Fatalf("n=%d: frames SF=%d FF=%d CF=%d want %d/%d/%d", tc.n,
				c[pciSingle], c[pciFirst], c[pciConsecutive], tc.single, tc.first, tc.consecutive)
		}
		for _, f := range h.aLog {
			if pciType(f.data[0]) == pciConsecutive && len(f.data) < 2 {
				t.Fatalf("n=%d: empty consecutive frame", tc.n)
			}
		}
	}
}

func TestSequenceWraparound(t *testing.T) {
	h := newHarness(512, 512)
	p := payloadOf(6 + 7*40)
	if got := h.transfer(t, p); !bytes.Equal(got, p) {
		t.Fatalf("payload mismatch")
	}
	want := uint8(1)
	for _, f := range h.aLog {
		if pciType(f.data[0]) != pciConsecutive {
			continue
		}
		if sn := sequenceNumber(f.data[0]); sn != want {
			t.Fatalf("sequence %d want %d", sn, want)
		}
		want = (want + 1) & 0x0F
	}
	if h.b.ReceiveProtocolResult() != ResultOK {
		t.Fatalf("unexpected receive result %v", h.b.ReceiveProtocolResult())
	}
}

func TestReceiverTimeoutCR(t *testing.T) {
	h := newHarness(64, 64)
	ff := []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}
	if err := h.b.OnFrameReceived(ff); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if len(h.bLog) != 1 || !bytes.Equal(h.bLog[0].data, []byte{0x30, DefaultBlockSize, DefaultSTMin}) {
		t.Fatalf("expected flow control continue, got %+v", h.bLog)
	}
	h.clk += DefaultResponseTimeout
	h.b.Poll()
	if h.b.ReceiveStatus() != ReceiveInProgress {
		t.Fatalf("timed out too early")
	}
	h.clk++
	h.b.Poll()
	if h.b.ReceiveStatus() != ReceiveIdle || h.b.ReceiveProtocolResult() != ResultTimeoutCR {
		t.Fatalf("expected idle/timeout_cr got %v/%v", h.b.ReceiveStatus(), h.b.ReceiveProtocolResult())
	}
	if len(h.bLog) != 1 {
		t.Fatalf("receiver timeout must not be reported to the peer")
	}
}

func TestSenderTimeoutBS(t *testing.T) {
	h := newHarness(64, 64)
	if err := h.a.Send(payloadOf(20)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if h.a.SendStatus() != SendInProgress {
		t.Fatalf("expected in progress")
	}
	h.clk += DefaultResponseTimeout + 1
	h.a.Poll()
	if h.a.SendStatus() != SendError || h.a.SendProtocolResult() != ResultTimeoutBS {
		t.Fatalf("expected error/timeout_bs got %v/%v", h.a.SendStatus(), h.a.SendProtocolResult())
	}
	if c := countTypes(h.aLog); c[pciConsecutive] != 0 {
		t.Fatalf("no consecutive frames may be sent before flow control")
	}
	// A fresh send is accepted once the link has errored out.
	if err := h.a.Send([]byte{1}); err != nil {
		t.Fatalf("send after error: %v", err)
	}
}

func TestFirstFrameOverflow(t *testing.T) {
	h := newHarness(64, 10)
	for i := range h.b.recvBuf {
		h.b.recvBuf[i] = 0xEE
	}
	err := h.b.OnFrameReceived([]byte{0x10, 0x14, 1, 2, 3, 4, 5, 6})
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if len(h.bLog) != 1 || !bytes.Equal(h.bLog[0].data, []byte{0x32, 0, 0}) {
		t.Fatalf("expected flow control overflow, got %+v", h.bLog)
	}
	if h.b.ReceiveStatus() != ReceiveIdle || h.b.ReceiveProtocolResult() != ResultBufferOverflow {
		t.Fatalf("unexpected state %v/%v", h.b.ReceiveStatus(), h.b.ReceiveProtocolResult())
	}
	for _, v := range h.b.recvBuf {
		if v != 0xEE {
			t.Fatalf("receive buffer corrupted")
		}
	}
	// The sender observes the overflow through its own flow control read.
	if err := h.a.Send(payloadOf(20)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = h.a.OnFrameReceived(h.bLog[0].data)
	if h.a.SendStatus() != SendError || h.a.SendProtocolResult() != ResultBufferOverflow {
		t.Fatalf("sender state %v/%v", h.a.SendStatus(), h.a.SendProtocolResult())
	}
}

func TestReceiveScenarioTenBytes(t *testing.T) {
	h := newHarness(64, 64)
	if err := h.b.OnFrameReceived([]byte{0x10, 0x0A, 0, 1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if err := h.b.OnFrameReceived([]byte{0x21, 6, 7, 8, 9}); err != nil {
		t.Fatalf("consecutive frame: %v", err)
	}
	out := make([]byte, 32)
	n, err := h.b.Receive(out)
	if err != nil || n != 10 {
		t.Fatalf("receive n=%d err=%v", n, err)
	}
	if !bytes.Equal(out[:n], []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Fatalf("data % X", out[:n])
	}
	if _, err := h.b.Receive(out); !errors.Is(err, ErrNoData) {
		t.Fatalf("second receive should be NoData, got %v", err)
	}
}

func TestConsecutiveErrors(t *testing.T) {
	h := newHarness(64, 64)
	if err := h.b.OnFrameReceived([]byte{0x21, 1, 2}); !errors.Is(err, ErrUnexpectedPDU) {
		t.Fatalf("consecutive while idle: %v", err)
	}
	_ = h.b.OnFrameReceived([]byte{0x10, 0x14, 1, 2, 3, 4, 5, 6})
	if err := h.b.OnFrameReceived([]byte{0x21, 1, 2}); !errors.Is(err, ErrLength) {
		t.Fatalf("short consecutive: %v", err)
	}
	if h.b.ReceiveStatus() != ReceiveInProgress {
		t.Fatalf("length error must not abort reception")
	}
	if err := h.b.OnFrameReceived([]byte{0x23, 1, 2, 3, 4, 5, 6, 7}); !errors.Is(err, ErrWrongSN) {
		t.Fatalf("wrong sn: %v", err)
	}
	if h.b.ReceiveStatus() != ReceiveIdle || h.b.ReceiveProtocolResult() != ResultWrongSN {
		t.Fatalf("wrong sn should abort to idle, got %v/%v", h.b.ReceiveStatus(), h.b.ReceiveProtocolResult())
	}
}

func TestSingleAndFirstFrameValidation(t *testing.T) {
	h := newHarness(64, 64)
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrLength},
		{"single zero length", []byte{0x00, 1}, ErrLength},
		{"single short", []byte{0x05, 1, 2}, ErrLength},
		{"first short frame", []byte{0x10, 0x14, 1, 2, 3, 4, 5}, ErrLength},
		{"first declares short", []byte{0x10, 0x07, 1, 2, 3, 4, 5, 6}, ErrLength},
		{"unknown pci", []byte{0x40, 0}, ErrUnknownPCI},
	}
	for _, tc := range tests {
		if err := h.b.OnFrameReceived(tc.data); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestSingleFrameDuringReceptionFlagsUnexpected(t *testing.T) {
	h := newHarness(64, 64)
	_ = h.b.OnFrameReceived([]byte{0x10, 0x14, 1, 2, 3, 4, 5, 6})
	if err := h.b.OnFrameReceived([]byte{0x02, 0xAB, 0xCD}); err != nil {
		t.Fatalf("single: %v", err)
	}
	if h.b.ReceiveProtocolResult() != ResultUnexpectedPDU {
		t.Fatalf("expected unexpected_pdu, got %v", h.b.ReceiveProtocolResult())
	}
	out := make([]byte, 8)
	n, err := h.b.Receive(out)
	if err != nil || !bytes.Equal(out[:n], []byte{0xAB, 0xCD}) {
		t.Fatalf("single frame should still be delivered: n=%d err=%v", n, err)
	}
}

func TestSendGuards(t *testing.T) {
	h := newHarness(16, 16)
	if err := h.a.Send(make([]byte, 17)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if err := h.a.Send(payloadOf(10)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.a.Send(payloadOf(3)); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}
}

func TestFlowControlWaitOverrun(t *testing.T) {
	h := newHarness(64, 64, WithMaxWaitFrames(1))
	_ = h.a.Send(payloadOf(20))
	_ = h.a.OnFrameReceived([]byte{0x31, 0, 0})
	if h.a.SendStatus() != SendInProgress {
		t.Fatalf("first wait frame should be tolerated")
	}
	_ = h.a.OnFrameReceived([]byte{0x31, 0, 0})
	if h.a.SendStatus() != SendError || h.a.SendProtocolResult() != ResultWftOverrun {
		t.Fatalf("expected wft overrun, got %v/%v", h.a.SendStatus(), h.a.SendProtocolResult())
	}
}

func TestFlowControlShortAndIgnored(t *testing.T) {
	h := newHarness(64, 64)
	if err := h.a.OnFrameReceived([]byte{0x30}); err != nil {
		t.Fatalf("flow control while idle must be ignored, got %v", err)
	}
	_ = h.a.Send(payloadOf(20))
	if err := h.a.OnFrameReceived([]byte{0x30, 0}); !errors.Is(err, ErrLength) {
		t.Fatalf("expected length error, got %v", err)
	}
}

func TestSeparationTimeHonoured(t *testing.T) {
	h := newHarness(64, 64)
	_ = h.a.Send(payloadOf(30))
	_ = h.a.OnFrameReceived([]byte{0x30, 0, 5})
	var sentAt []uint32
	for i := 0; i < 40; i++ {
		before := len(h.aLog)
		h.a.Poll()
		if len(h.aLog) > before {
			sentAt = append(sentAt, h.clk)
		}
		h.clk++
	}
	if len(sentAt) != 4 {
		t.Fatalf("expected 4 consecutive frames, got %d", len(sentAt))
	}
	for i := 1; i < len(sentAt); i++ {
		if sentAt[i]-sentAt[i-1] < 5 {
			t.Fatalf("frames %d and %d only %dms apart", i-1, i, sentAt[i]-sentAt[i-1])
		}
	}
	if h.a.SendStatus() != SendIdle {
		t.Fatalf("expected send complete, got %v", h.a.SendStatus())
	}
}

func TestBlockSizeLimitsBurst(t *testing.T) {
	h := newHarness(128, 128)
	_ = h.a.Send(payloadOf(6 + 7*5))
	_ = h.a.OnFrameReceived([]byte{0x30, 2, 0})
	for i := 0; i < 10; i++ {
		h.a.Poll()
		h.clk++
	}
	if c := countTypes(h.aLog); c[pciConsecutive] != 2 {
		t.Fatalf("block size 2 should stop after 2 frames, got %d", c[pciConsecutive])
	}
}

func TestSTMinDecoding(t *testing.T) {
	tests := []struct {
		code uint8
		ms   uint32
	}{
		{0x00, 0}, {0x05, 5}, {0x7F, 127}, {0x80, 0}, {0xF0, 0}, {0xF1, 1}, {0xF9, 1}, {0xFA, 0}, {0xFF, 0},
	}
	for _, tc := range tests {
		if got := stMinToMs(tc.code); got != tc.ms {
			t.Fatalf("stmin 0x%02X: got %d want %d", tc.code, got, tc.ms)
		}
	}
}

func TestPaddingAndClockWrap(t *testing.T) {
	h := newHarness(64, 64, WithPadding(true))
	h.clk = 0xFFFFFFFC
	p := payloadOf(40)
	if got := h.transfer(t, p); !bytes.Equal(got, p) {
		t.Fatalf("payload mismatch across clock wrap")
	}
	for _, f := range append(h.aLog, h.bLog...) {
		if len(f.data) != frameLen {
			t.Fatalf("padded frame has %d bytes", len(f.data))
		}
	}
}

func TestFrameSendFailureAbortsSend(t *testing.T) {
	var fail bool
	l := NewLink(1, make([]byte, 64), make([]byte, 64), func(uint32, []byte) error {
		if fail {
			return errors.New("bus off")
		}
		return nil
	}, func() uint32 { return 0 })
	_ = l.Send(payloadOf(20))
	_ = l.OnFrameReceived([]byte{0x30, 0, 0})
	fail = true
	l.Poll()
	if l.SendStatus() != SendError {
		t.Fatalf("expected send error after frame failure, got %v", l.SendStatus())
	}
	if err := l.Send([]byte{1}); !errors.Is(err, ErrFrameSend) {
		t.Fatalf("expected wrapped frame send error, got %v", err)
	}
}

func FuzzOnFrameReceived(f *testing.F) {
	f.Add([]byte{0x10, 0x0A, 0, 1, 2, 3, 4, 5})
	f.Add([]byte{0x21, 1, 2, 3})
	f.Add([]byte{0x30, 0, 0xF3})
	f.Fuzz(func(t *testing.T, data []byte) {
		l := NewLink(1, make([]byte, 64), make([]byte, 64), func(uint32, []byte) error { return nil }, func() uint32 { return 0 })
		_ = l.Send(payloadOf(30))
		_ = l.OnFrameReceived(data)
		l.Poll()
		_, _ = l.Receive(make([]byte, 64))
	})
}
