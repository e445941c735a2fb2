package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream under the UART protocol. *serial.Port from
// tarm/serial satisfies it; tests use in-memory fakes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens name as an 8N1 line. Reads return after readTimeout with
// whatever arrived, possibly nothing. Bytes left in the driver from a
// previous session are discarded so the decoder starts on a clean stream.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("serial %s: invalid baud %d", name, baud)
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Flush(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial %s: flush: %w", name, err)
	}
	return p, nil
}
