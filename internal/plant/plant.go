// Package plant simulates the hardware around the controller: a PMSM with
// its three phase bridge, current ADC, absolute angle encoder and watchdog.
// It satisfies the controller's collaborator interfaces so the firmware core
// can run on a host.
package plant

import (
	"math"
	"sync"
	"sync/atomic"
)

type Config struct {
	R           float64 // phase resistance, ohm
	L           float64 // phase inductance, H
	PolePairs   int
	FluxLinkage float64 // V·s per electrical rad
	Inertia     float64 // kg·m²
	Damping     float64 // N·m·s/rad
	Vbus        float64
	Period      float64 // s per Advance

	Ticks           int32
	SensorDirection int   // +1 or -1
	SensorOffset    int32 // raw reading at electrical angle zero

	// Locked holds the rotor still.
	Locked bool
	// EndStops limits mechanical travel to [MinAngle, MaxAngle] rad.
	EndStops bool
	MinAngle float64
	MaxAngle float64
	// Stiff makes the rotor follow slow rotations of the applied voltage
	// vector; reversals and small vectors are ignored.
	Stiff bool
}

func DefaultConfig() Config {
	return Config{
		R:               0.2,
		L:               1e-4,
		PolePairs:       7,
		FluxLinkage:     0.005,
		Inertia:         1e-3,
		Damping:         1e-5,
		Vbus:            12,
		Period:          1.0 / 20000,
		Ticks:           8192,
		SensorDirection: 1,
	}
}

// Plant is safe for one goroutine calling Advance while another samples.
type Plant struct {
	cfg Config

	mu      sync.Mutex
	enabled bool
	duty    [3]float64
	iAlpha  float64
	iBeta   float64
	theta   float64 // mechanical, rad, unwrapped
	omega   float64
	vbus    float64

	feeds atomic.Uint64
}

func New(cfg Config) *Plant {
	if cfg.SensorDirection == 0 {
		cfg.SensorDirection = 1
	}
	if cfg.Ticks <= 0 {
		cfg.Ticks = 8192
	}
	return &Plant{cfg: cfg, vbus: cfg.Vbus}
}

// GateDriver.

func (p *Plant) Enable() {
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
}

func (p *Plant) Disable() {
	p.mu.Lock()
	p.enabled = false
	p.mu.Unlock()
}

func (p *Plant) SetDuty(a, b, c float32) {
	p.mu.Lock()
	p.duty = [3]float64{float64(a), float64(b), float64(c)}
	p.mu.Unlock()
}

func (p *Plant) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// ADC.

func (p *Plant) PhaseCurrents() (a, b, c float32) {
	p.mu.Lock()
	al, be := p.iAlpha, p.iBeta
	p.mu.Unlock()
	a = float32(al)
	b = float32(-0.5*al + 0.5*math.Sqrt(3)*be)
	c = float32(-0.5*al - 0.5*math.Sqrt(3)*be)
	return a, b, c
}

func (p *Plant) Vbus() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float32(p.vbus)
}

// SetVbus changes the simulated supply.
func (p *Plant) SetVbus(v float64) {
	p.mu.Lock()
	p.vbus = v
	p.mu.Unlock()
}

// Sensor.

func (p *Plant) ReadRawAngle() int32 {
	p.mu.Lock()
	theta := p.theta
	p.mu.Unlock()
	ticks := float64(p.cfg.Ticks)
	pos := float64(p.cfg.SensorDirection)*theta/(2*math.Pi)*ticks + float64(p.cfg.SensorOffset)
	raw := int64(math.Floor(pos)) % int64(p.cfg.Ticks)
	if raw < 0 {
		raw += int64(p.cfg.Ticks)
	}
	return int32(raw)
}

// Watchdog.

func (p *Plant) Feed()         { p.feeds.Add(1) }
func (p *Plant) Feeds() uint64 { return p.feeds.Load() }

// Angle returns the unwrapped mechanical angle in radians.
func (p *Plant) Angle() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.theta
}

// Velocity returns the mechanical speed in rad/s.
func (p *Plant) Velocity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.omega
}

// SetAngle places the rotor (mechanical radians).
func (p *Plant) SetAngle(theta float64) {
	p.mu.Lock()
	p.theta = theta
	p.mu.Unlock()
}

func wrapPi(x float64) float64 {
	x = math.Mod(x+math.Pi, 2*math.Pi)
	if x < 0 {
		x += 2 * math.Pi
	}
	return x - math.Pi
}

// Advance integrates one PWM period.
func (p *Plant) Advance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.cfg
	dt := cfg.Period
	pp := float64(cfg.PolePairs)

	var vAlpha, vBeta float64
	if p.enabled {
		avg := (p.duty[0] + p.duty[1] + p.duty[2]) / 3
		va := p.vbus * (p.duty[0] - avg)
		vb := p.vbus * (p.duty[1] - avg)
		vc := p.vbus * (p.duty[2] - avg)
		vAlpha = (2*va - vb - vc) / 3
		vBeta = (vb - vc) / math.Sqrt(3)
	}

	if cfg.Stiff {
		if math.Hypot(vAlpha, vBeta) > 1e-3 {
			d := wrapPi(math.Atan2(vBeta, vAlpha) - pp*p.theta)
			if math.Abs(d) < math.Pi/4 {
				p.theta += d / pp
			}
		}
		p.omega = 0
	}

	thetaE := pp * p.theta
	s, c := math.Sincos(thetaE)
	we := pp * p.omega
	eAlpha := -we * cfg.FluxLinkage * s
	eBeta := we * cfg.FluxLinkage * c

	k := math.Exp(-cfg.R * dt / cfg.L)
	p.iAlpha = p.iAlpha*k + (vAlpha-eAlpha)/cfg.R*(1-k)
	p.iBeta = p.iBeta*k + (vBeta-eBeta)/cfg.R*(1-k)

	if cfg.Locked || cfg.Stiff {
		p.omega = 0
		return
	}
	iq := -p.iAlpha*s + p.iBeta*c
	torque := 1.5 * pp * cfg.FluxLinkage * iq
	p.omega += (torque - cfg.Damping*p.omega) / cfg.Inertia * dt
	p.theta += p.omega * dt
	if cfg.EndStops {
		if p.theta < cfg.MinAngle {
			p.theta, p.omega = cfg.MinAngle, 0
		} else if p.theta > cfg.MaxAngle {
			p.theta, p.omega = cfg.MaxAngle, 0
		}
	}
}
