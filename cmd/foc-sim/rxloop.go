package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/metrics"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// rxAction tells rxLoop what a failed read means.
type rxAction int

const (
	rxRetry rxAction = iota // count, back off, read again
	rxIdle                  // nothing arrived; read again at once
	rxStop                  // the link is gone
)

// backoff doubles from rxBackoffMin up to rxBackoffMax between failed reads.
type backoff struct{ next time.Duration }

func (b *backoff) reset() { b.next = rxBackoffMin }

func (b *backoff) sleep() time.Duration {
	if b.next < rxBackoffMin {
		b.next = rxBackoffMin
	}
	d := b.next
	sleepFn(d)
	b.next = min(2*d, rxBackoffMax)
	return d
}

// rxLoop drives one link's reader until ctx ends or read returns rxStop.
// read returns a nil error after delivering data.
func rxLoop(ctx context.Context, link, errLabel string, l *slog.Logger, read func() (rxAction, error)) {
	defer l.Info(link+"_rx_end")
	var b backoff
	b.reset()
	for ctx.Err() == nil {
		act, err := read()
		if err == nil {
			b.reset()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		switch act {
		case rxIdle:
			continue
		case rxStop:
			l.Warn(link+"_rx_stopped", "error", err)
			return
		}
		metrics.IncError(errLabel)
		l.Warn(link+"_read_error", "error", err, "backoff", b.next)
		b.sleep()
	}
}

// classifySerialErr maps tarm/serial read errors: EOF is a read timeout
// with no data, a PathError means the device went away.
func classifySerialErr(err error) rxAction {
	var perr *os.PathError
	switch {
	case errors.As(err, &perr):
		return rxStop
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return rxIdle
	}
	return rxRetry
}
