// Package scheduler is the control loop's only blocking point. Interrupt
// sources (ADC conversion complete, CAN receive, UART receive) call Raise,
// which sets a sticky flag and returns immediately. WaitForControlLoop runs
// the deferred CAN and UART handlers while it waits and returns once per ADC
// event, after refreshing measurements.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
)

// Event identifies an interrupt source.
type Event uint8

const (
	EventADC Event = iota
	EventCAN
	EventUART
	numEvents
)

func (e Event) String() string {
	switch e {
	case EventADC:
		return "adc"
	case EventCAN:
		return "can"
	case EventUART:
		return "uart"
	}
	return "unknown"
}

// Scheduler is safe for any number of goroutines calling Raise and exactly
// one goroutine calling WaitForControlLoop.
type Scheduler struct {
	flags [numEvents]atomic.Bool
	wake  chan struct{}

	onCAN   func()
	onUART  func()
	measure func()
	slack   time.Duration
	now     func() time.Time

	missed   atomic.Uint64
	overruns atomic.Uint64
}

type Option func(*Scheduler)

// WithCANHandler sets the deferred CAN servicing routine.
func WithCANHandler(fn func()) Option { return func(s *Scheduler) { s.onCAN = fn } }

// WithUARTHandler sets the deferred UART servicing routine.
func WithUARTHandler(fn func()) Option { return func(s *Scheduler) { s.onUART = fn } }

// WithMeasure sets the measurement refresh run on every ADC event.
func WithMeasure(fn func()) Option { return func(s *Scheduler) { s.measure = fn } }

// WithTickSlack sets the time budget for deferred handlers within one wait.
// Zero disables overrun accounting.
func WithTickSlack(d time.Duration) Option { return func(s *Scheduler) { s.slack = d } }

func withClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Raise marks e pending. It never blocks. Raising ADC while the previous
// tick is still pending counts as a missed tick.
func (s *Scheduler) Raise(e Event) {
	if e >= numEvents {
		return
	}
	if s.flags[e].Swap(true) && e == EventADC {
		s.missed.Add(1)
		metrics.IncMissedTick()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending reports whether e is raised and not yet serviced.
func (s *Scheduler) Pending(e Event) bool { return e < numEvents && s.flags[e].Load() }

func (s *Scheduler) MissedTicks() uint64 { return s.missed.Load() }
func (s *Scheduler) Overruns() uint64    { return s.overruns.Load() }

// WaitForControlLoop drains pending CAN then UART work and returns when the
// ADC event is pending, after running the measurement hook. Work raised
// before the ADC event is always serviced before the tick it precedes.
// It returns ctx.Err() if ctx ends first.
func (s *Scheduler) WaitForControlLoop(ctx context.Context) error {
	for {
		start := s.now()
		s.service(EventCAN, s.onCAN)
		s.service(EventUART, s.onUART)
		if s.slack > 0 {
			if d := s.now().Sub(start); d > s.slack {
				s.overruns.Add(1)
				metrics.IncOverrun()
				logging.L().Debug("scheduler_handler_overrun", "took", d, "slack", s.slack)
			}
		}
		if s.flags[EventADC].Swap(false) {
			if s.measure != nil {
				s.measure()
			}
			metrics.IncTick()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// service clears the flag before running fn so an event raised while fn
// runs is kept for the next pass.
func (s *Scheduler) service(e Event, fn func()) {
	if !s.flags[e].Swap(false) {
		return
	}
	if fn != nil {
		fn()
	}
}
