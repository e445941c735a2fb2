package device

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-foc-firmware/internal/isotp"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/nvm"
)

// ISO-TP service commands. A request is [cmd][args...]; the reply echoes
// the command byte.
const (
	CmdReadConfig  = 0x01
	CmdWriteConfig = 0x02
	CmdDeviceInfo  = 0x03
	CmdUnknown     = 0x7F
)

// Write config status codes.
const (
	StatusOK uint8 = iota
	StatusInvalid
	StatusNotIdle
)

// serviceISOTP answers one completed request per tick. The reply is held
// while an earlier multi-frame send is still in flight.
func (d *Device) serviceISOTP() {
	if d.reply != nil {
		d.flushReply()
		return
	}
	n, err := d.link.Receive(d.rxScratch)
	if err != nil {
		return
	}
	metrics.IncISOTPTransfer("rx")
	if n == 0 {
		return
	}
	d.reply = d.handleRequest(d.rxScratch[:n])
	d.flushReply()
}

func (d *Device) flushReply() {
	err := d.link.Send(d.reply)
	switch {
	case errors.Is(err, isotp.ErrInProgress):
		return
	case err != nil:
		metrics.IncError(metrics.ErrISOTPSend)
		logging.L().Warn("isotp_reply_failed", "error", err, "len", len(d.reply))
	default:
		metrics.IncISOTPTransfer("tx")
	}
	d.reply = nil
}

func (d *Device) handleRequest(req []byte) []byte {
	cmd := req[0]
	switch cmd {
	case CmdReadConfig:
		b, err := nvm.Encode(d.Snapshot())
		if err != nil {
			logging.L().Error("config_encode_failed", "error", err)
			return []byte{cmd}
		}
		return append([]byte{cmd}, b...)
	case CmdWriteConfig:
		s, err := nvm.Decode(req[1:])
		if err == nil {
			err = d.Apply(s)
		}
		switch {
		case err == nil:
			return []byte{cmd, StatusOK}
		case errors.Is(err, ErrNotIdle):
			return []byte{cmd, StatusNotIdle}
		}
		logging.L().Warn("config_write_rejected", "error", err)
		return append([]byte{cmd, StatusInvalid}, truncate(err.Error(), 256)...)
	case CmdDeviceInfo:
		info := fmt.Sprintf("node=%d fw=%s hash=0x%08X state=%s calibrated=%t",
			d.node, d.cfg.Version, d.table.Hash(), d.ctrl.State(), d.mot.Calibrated() && d.obs.Calibrated())
		return append([]byte{cmd}, info...)
	}
	logging.L().Debug("isotp_unknown_command", "cmd", cmd)
	return []byte{CmdUnknown, cmd}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// trackISOTPResults counts transitions into a failed protocol result.
func (d *Device) trackISOTPResults() {
	if r := d.link.SendProtocolResult(); r != d.lastTxRes {
		d.lastTxRes = r
		if r != isotp.ResultOK {
			metrics.IncISOTPResult("tx", r.String())
		}
	}
	if r := d.link.ReceiveProtocolResult(); r != d.lastRxRes {
		d.lastRxRes = r
		if r != isotp.ResultOK {
			metrics.IncISOTPResult("rx", r.String())
		}
	}
}
