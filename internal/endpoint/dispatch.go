package endpoint

import (
	"encoding/binary"
	"errors"
	"strconv"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/can"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/serial"
)

// CAN identifier layout: extended 29-bit id node<<16 | endpoint.
// ISO-TP uses two reserved endpoint numbers per node.
const (
	ISOTPRequest  = 0xFFE
	ISOTPResponse = 0xFFF

	heartbeatBase = 0x700
)

// CANID returns the extended arbitration id (with EFFFlag) for an endpoint
// or ISO-TP channel of node.
func CANID(node uint8, ep uint16) uint32 {
	return can.EFFFlag | uint32(node)<<16 | uint32(ep)
}

// SplitCANID extracts node and endpoint from an extended id.
func SplitCANID(id uint32) (node uint8, ep uint16, ok bool) {
	if id&can.EFFFlag == 0 {
		return 0, 0, false
	}
	raw := id & can.EFFMask
	if raw>>16 > 0xFF {
		return 0, 0, false
	}
	return uint8(raw >> 16), uint16(raw), true
}

// HeartbeatID is the standard id carrying node's heartbeat.
func HeartbeatID(node uint8) uint32 { return heartbeatBase | uint32(node) }

// Heartbeat builds the periodic liveness frame:
// [protocol hash u32 LE][major][minor][patch].
func Heartbeat(t *Table, node uint8) can.Frame {
	var b [7]byte
	binary.LittleEndian.PutUint32(b[:4], t.Hash())
	v := t.Version()
	b[4], b[5], b[6] = v.Major, v.Minor, v.Patch
	return can.NewFrame(HeartbeatID(node), b[:])
}

// Dispatcher serves endpoint reads and writes arriving on CAN or UART.
// Invalid writes are dropped without a reply, as the wire protocol has no
// negative acknowledgement; they are logged and counted instead.
type Dispatcher struct {
	table *Table
	node  uint8
	send  func(can.Frame) error
	codec serial.Codec
	quiet *logging.Limiter
}

// rejectLogEvery bounds how often one link/endpoint pair may log a rejected
// request; every rejection is still counted.
const rejectLogEvery = time.Second

func NewDispatcher(t *Table, node uint8, send func(can.Frame) error) *Dispatcher {
	return &Dispatcher{table: t, node: node, send: send, quiet: logging.NewLimiter(rejectLogEvery)}
}

func (d *Dispatcher) Table() *Table { return d.table }
func (d *Dispatcher) Node() uint8   { return d.node }

// HandleFrame services f if it addresses one of this node's endpoints and
// reports whether it did. RTR or empty frames read; data frames write.
// Read replies go out on the request id without the RTR flag.
func (d *Dispatcher) HandleFrame(f can.Frame) bool {
	node, ep, ok := SplitCANID(f.ID)
	if !ok || node != d.node || ep >= MaxEndpoints {
		return false
	}
	id := uint8(ep)
	if f.IsRTR() || f.Len == 0 {
		metrics.IncEndpoint("read")
		v, err := d.table.Read(id)
		if err != nil {
			d.reject("can", id, err)
			return true
		}
		reply := can.NewFrame(CANID(d.node, ep), v.AppendTo(nil))
		if err := d.send(reply); err != nil {
			logging.L().Debug("endpoint_reply_failed", "ep", id, "error", err)
		}
		return true
	}
	metrics.IncEndpoint("write")
	if err := d.table.Write(id, f.Payload()); err != nil {
		d.reject("can", id, err)
	}
	return true
}

// HandleSerial services a decoded UART frame. It returns the encoded reply
// for reads and nil otherwise.
func (d *Dispatcher) HandleSerial(f serial.Frame) []byte {
	if int(f.EP) >= MaxEndpoints {
		metrics.IncMalformed()
		return nil
	}
	switch f.Cmd {
	case serial.CmdRead:
		metrics.IncEndpoint("read")
		v, err := d.table.Read(f.EP)
		if err != nil {
			d.reject("uart", f.EP, err)
			return nil
		}
		out, err := d.codec.Encode(f.EP, serial.CmdRead, v.AppendTo(nil))
		if err != nil {
			return nil
		}
		return out
	case serial.CmdWrite:
		metrics.IncEndpoint("write")
		if err := d.table.Write(f.EP, f.Payload()); err != nil {
			d.reject("uart", f.EP, err)
		}
	}
	return nil
}

func (d *Dispatcher) reject(link string, id uint8, err error) {
	metrics.IncEndpointRejected()
	ok, suppressed := d.quiet.Allow(link + "/" + strconv.Itoa(int(id)))
	if !ok {
		return
	}
	lvl := logging.L().Warn
	if errors.Is(err, ErrUnknownEndpoint) {
		lvl = logging.L().Debug
	}
	lvl("endpoint_request_rejected", "link", link, "ep", id, "error", err, "suppressed", suppressed)
}
