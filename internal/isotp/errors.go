package isotp

import (
	"errors"
	"fmt"
)

// Return codes of the link API. Protocol-level outcomes are additionally
// stored per direction as a ProtocolResult.
var (
	ErrOverflow      = errors.New("isotp: payload exceeds buffer")
	ErrInProgress    = errors.New("isotp: send in progress")
	ErrLength        = errors.New("isotp: invalid frame length")
	ErrWrongSN       = errors.New("isotp: wrong sequence number")
	ErrNoData        = errors.New("isotp: no data")
	ErrUnknownPCI    = errors.New("isotp: unknown frame type")
	ErrFrameSend     = errors.New("isotp: frame send failed")
	ErrUnexpectedPDU = errors.New("isotp: unexpected frame")
)

// ProtocolResult is the last protocol outcome observed on one direction.
type ProtocolResult uint8

const (
	ResultOK ProtocolResult = iota
	ResultTimeoutBS
	ResultTimeoutCR
	ResultWrongSN
	ResultInvalidFS
	ResultUnexpectedPDU
	ResultWftOverrun
	ResultBufferOverflow
	ResultError
)

var resultNames = [...]string{
	ResultOK:             "ok",
	ResultTimeoutBS:      "timeout_bs",
	ResultTimeoutCR:      "timeout_cr",
	ResultWrongSN:        "wrong_sn",
	ResultInvalidFS:      "invalid_fs",
	ResultUnexpectedPDU:  "unexpected_pdu",
	ResultWftOverrun:     "wft_overrun",
	ResultBufferOverflow: "buffer_overflow",
	ResultError:          "error",
}

func (r ProtocolResult) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "unknown"
}

func fmtFrameSend(err error) error { return fmt.Errorf("%w: %v", ErrFrameSend, err) }
