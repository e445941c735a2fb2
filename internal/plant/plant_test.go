package plant

import (
	"math"
	"testing"
)

func run(p *Plant, n int) {
	for i := 0; i < n; i++ {
		p.Advance()
	}
}

func TestLockedSteadyCurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Locked = true
	p := New(cfg)
	p.Enable()
	// 1 V on alpha.
	d := float32(1.0 / cfg.Vbus)
	p.SetDuty(0.5+d, 0.5-d/2, 0.5-d/2)
	run(p, 2000)
	a, b, c := p.PhaseCurrents()
	if math.Abs(float64(a)-1/cfg.R) > 1e-3 {
		t.Fatalf("ia=%v want %v", a, 1/cfg.R)
	}
	if math.Abs(float64(a+b+c)) > 1e-4 {
		t.Fatalf("phase currents do not sum to zero: %v %v %v", a, b, c)
	}
	if p.Angle() != 0 {
		t.Fatalf("locked rotor moved")
	}
}

func TestDisabledBridgeDecays(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Locked = true
	p := New(cfg)
	p.Enable()
	p.SetDuty(0.6, 0.45, 0.45)
	run(p, 500)
	p.Disable()
	run(p, 2000)
	if a, _, _ := p.PhaseCurrents(); math.Abs(float64(a)) > 1e-3 {
		t.Fatalf("current did not decay: %v", a)
	}
}

func TestEncoderWrapAndDirection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ticks = 1000
	cfg.SensorOffset = 990
	p := New(cfg)
	if r := p.ReadRawAngle(); r != 990 {
		t.Fatalf("raw=%d", r)
	}
	p.SetAngle(2 * math.Pi * 0.0205)
	if r := p.ReadRawAngle(); r != 10 {
		t.Fatalf("raw after wrap=%d", r)
	}
	cfg.SensorDirection = -1
	cfg.SensorOffset = 0
	p = New(cfg)
	p.SetAngle(2 * math.Pi * 0.0995)
	if r := p.ReadRawAngle(); r != 900 {
		t.Fatalf("reversed raw=%d", r)
	}
}

func TestStiffFollowsRotation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stiff = true
	p := New(cfg)
	p.Enable()
	const steps = 4000
	for i := 1; i <= steps; i++ {
		ang := 2 * math.Pi * float64(i) / steps
		ma, mb := 0.05*math.Cos(ang), 0.05*math.Sin(ang)
		va, vb, vc := ma, -0.5*ma+0.5*math.Sqrt(3)*mb, -0.5*ma-0.5*math.Sqrt(3)*mb
		p.SetDuty(float32(0.5+va), float32(0.5+vb), float32(0.5+vc))
		p.Advance()
	}
	want := 2 * math.Pi / float64(cfg.PolePairs)
	if math.Abs(p.Angle()-want) > 1e-3 {
		t.Fatalf("angle=%v want %v", p.Angle(), want)
	}
	// A reversed vector is ignored.
	p.SetDuty(0.45, 0.525, 0.525)
	p.Advance()
	if math.Abs(p.Angle()-want) > 1e-3 {
		t.Fatalf("reversal moved rotor to %v", p.Angle())
	}
}

func TestFreeRotorAccelerates(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg)
	p.Enable()
	// Drive along beta (q axis at theta=0) briefly.
	p.SetDuty(0.5, 0.55, 0.45)
	run(p, 200)
	if p.Velocity() <= 0 {
		t.Fatalf("rotor did not accelerate: %v", p.Velocity())
	}
}

func TestWatchdogFeeds(t *testing.T) {
	p := New(DefaultConfig())
	p.Feed()
	p.Feed()
	if p.Feeds() != 2 {
		t.Fatalf("feeds=%d", p.Feeds())
	}
}
