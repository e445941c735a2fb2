package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/metrics"
)

func TestWaitReturnsOnADCAfterDeferredWork(t *testing.T) {
	var order []string
	s := New(
		WithCANHandler(func() { order = append(order, "can") }),
		WithUARTHandler(func() { order = append(order, "uart") }),
		WithMeasure(func() { order = append(order, "measure") }),
	)
	s.Raise(EventUART)
	s.Raise(EventADC)
	s.Raise(EventCAN)
	if err := s.WaitForControlLoop(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"can", "uart", "measure"}
	if len(order) != len(want) {
		t.Fatalf("order=%v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v want %v", order, want)
		}
	}
	for _, e := range []Event{EventADC, EventCAN, EventUART} {
		if s.Pending(e) {
			t.Fatalf("%s still pending", e)
		}
	}
}

func TestOneReturnPerADCEvent(t *testing.T) {
	measured := 0
	s := New(WithMeasure(func() { measured++ }))
	s.Raise(EventADC)
	if err := s.WaitForControlLoop(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitForControlLoop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second wait returned %v without a new ADC event", err)
	}
	if measured != 1 {
		t.Fatalf("measured %d times", measured)
	}
}

func TestDeferredWorkRunsWhileWaiting(t *testing.T) {
	canDone := make(chan struct{})
	var s *Scheduler
	s = New(WithCANHandler(func() {
		close(canDone)
		s.Raise(EventADC)
	}))
	errc := make(chan error, 1)
	go func() { errc <- s.WaitForControlLoop(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	s.Raise(EventCAN)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not return")
	}
	select {
	case <-canDone:
	default:
		t.Fatalf("CAN handler not run")
	}
}

// An event raised inside its own handler is not lost.
func TestEventRaisedDuringHandlerIsKept(t *testing.T) {
	calls := 0
	var s *Scheduler
	s = New(WithUARTHandler(func() {
		calls++
		if calls == 1 {
			s.Raise(EventUART)
		} else {
			s.Raise(EventADC)
		}
	}))
	s.Raise(EventUART)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitForControlLoop(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestMissedTicksCounted(t *testing.T) {
	s := New()
	s.Raise(EventADC)
	s.Raise(EventADC)
	s.Raise(EventADC)
	if s.MissedTicks() != 2 {
		t.Fatalf("missed=%d", s.MissedTicks())
	}
	_ = s.WaitForControlLoop(context.Background())
	if s.Pending(EventADC) {
		t.Fatalf("ADC still pending")
	}
}

func TestHandlerOverrun(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	s := New(
		withClock(clock),
		WithTickSlack(20*time.Microsecond),
		WithCANHandler(func() { now = now.Add(50 * time.Microsecond) }),
	)
	s.Raise(EventCAN)
	s.Raise(EventADC)
	_ = s.WaitForControlLoop(context.Background())
	if s.Overruns() != 1 {
		t.Fatalf("overruns=%d", s.Overruns())
	}
	s.Raise(EventADC)
	_ = s.WaitForControlLoop(context.Background())
	if s.Overruns() != 1 {
		t.Fatalf("overrun counted without handler work: %d", s.Overruns())
	}
}

func TestMissedTicksAndOverrunsExportedSeparately(t *testing.T) {
	before := metrics.Snap()
	s := New()
	s.Raise(EventADC)
	s.Raise(EventADC)
	_ = s.WaitForControlLoop(context.Background())
	mid := metrics.Snap()
	if mid.MissedTicks-before.MissedTicks != 1 || mid.Overruns != before.Overruns {
		t.Fatalf("missed tick: missed=%d overruns=%d", mid.MissedTicks-before.MissedTicks, mid.Overruns-before.Overruns)
	}

	now := time.Unix(0, 0)
	s = New(
		withClock(func() time.Time { return now }),
		WithTickSlack(20*time.Microsecond),
		WithUARTHandler(func() { now = now.Add(50 * time.Microsecond) }),
	)
	s.Raise(EventUART)
	s.Raise(EventADC)
	_ = s.WaitForControlLoop(context.Background())
	after := metrics.Snap()
	if after.Overruns-mid.Overruns != 1 || after.MissedTicks != mid.MissedTicks {
		t.Fatalf("overrun: missed=%d overruns=%d", after.MissedTicks-mid.MissedTicks, after.Overruns-mid.Overruns)
	}
}

func TestEventString(t *testing.T) {
	if EventADC.String() != "adc" || EventCAN.String() != "can" || EventUART.String() != "uart" || Event(9).String() != "unknown" {
		t.Fatalf("names")
	}
}
