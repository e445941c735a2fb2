// Package observer tracks rotor position and velocity from a wrapped angle
// sensor with a second order PLL, counting sectors to extend the range past
// one sensor revolution.
package observer

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-foc-firmware/internal/fmath"
	"go.uber.org/multierr"
)

var ErrInvalidConfig = errors.New("observer: invalid config")

const (
	DefaultTicks     = 8192
	DefaultBandwidth = 1500 // rad/s
)

// Config is the persisted part of the observer.
type Config struct {
	Ticks     int32   `yaml:"ticks"`
	Bandwidth float32 `yaml:"bandwidth"`
	// Calibration results.
	Offset              float32 `yaml:"offset"`
	Direction           int8    `yaml:"direction"`
	OffsetCalibrated    bool    `yaml:"offset_calibrated"`
	DirectionCalibrated bool    `yaml:"direction_calibrated"`
}

// DefaultConfig returns an uncalibrated observer for a 13-bit sensor.
func DefaultConfig() Config {
	return Config{Ticks: DefaultTicks, Bandwidth: DefaultBandwidth, Direction: 1}
}

// Validate reports every invalid field joined into one error.
func (c Config) Validate() error {
	var err error
	if c.Ticks <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: ticks=%d", ErrInvalidConfig, c.Ticks))
	}
	if !(c.Bandwidth > 0) {
		err = multierr.Append(err, fmt.Errorf("%w: bandwidth=%g", ErrInvalidConfig, c.Bandwidth))
	}
	if c.Direction != 1 && c.Direction != -1 {
		err = multierr.Append(err, fmt.Errorf("%w: direction=%d", ErrInvalidConfig, c.Direction))
	}
	if c.Ticks > 0 && !(c.Offset >= 0 && c.Offset < float32(c.Ticks)) {
		err = multierr.Append(err, fmt.Errorf("%w: offset=%g", ErrInvalidConfig, c.Offset))
	}
	return err
}

// Observer is single-writer state updated once per PWM tick.
type Observer struct {
	cfg    Config
	period float32
	kp, ki float32

	posWrapped float32
	vel        float32
	sector     int32
}

// New creates an observer stepping every period seconds.
func New(cfg Config, period float32) *Observer {
	if cfg.Ticks <= 0 {
		cfg.Ticks = DefaultTicks
	}
	if cfg.Direction == 0 {
		cfg.Direction = 1
	}
	o := &Observer{cfg: cfg, period: period}
	o.SetBandwidth(cfg.Bandwidth)
	return o
}

// SetBandwidth recomputes the critically damped loop gains. Non-positive
// values are rejected.
func (o *Observer) SetBandwidth(bw float32) bool {
	if bw <= 0 {
		return false
	}
	o.cfg.Bandwidth = bw
	o.kp = 2 * bw
	o.ki = 0.25 * o.kp * o.kp
	return true
}

// Restore replaces the persisted configuration. Tracking state is kept
// unless the sensor resolution changed.
func (o *Observer) Restore(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Ticks != o.cfg.Ticks {
		o.posWrapped, o.vel, o.sector = 0, 0, 0
	}
	o.cfg = cfg
	o.SetBandwidth(cfg.Bandwidth)
	return nil
}

func (o *Observer) Bandwidth() float32 { return o.cfg.Bandwidth }
func (o *Observer) Ticks() int32       { return o.cfg.Ticks }
func (o *Observer) Config() Config     { return o.cfg }

// Reset snaps the estimate to a raw reading and clears velocity and sectors.
func (o *Observer) Reset(raw int32) {
	o.posWrapped = float32(raw)
	o.vel = 0
	o.sector = 0
}

// Update advances the loop by one tick using a raw reading in [0, ticks).
func (o *Observer) Update(raw int32) {
	ticks := float32(o.cfg.Ticks)
	half := ticks / 2
	predicted := o.period * o.vel
	measured := fmath.WrapMinMax(float32(raw)-o.posWrapped, -half, half)
	e := measured - predicted
	o.posWrapped += predicted + o.period*o.kp*e
	o.vel += o.period * o.ki * e
	if o.posWrapped < 0 {
		o.posWrapped += ticks
		o.sector--
	} else if o.posWrapped >= ticks {
		o.posWrapped -= ticks
		o.sector++
	}
}

// PosEstimate is the unwrapped position in ticks.
func (o *Observer) PosEstimate() float32 {
	return float32(o.sector)*float32(o.cfg.Ticks) + o.posWrapped
}

func (o *Observer) PosEstimateWrapped() float32 { return o.posWrapped }
func (o *Observer) VelEstimate() float32        { return o.vel }
func (o *Observer) Sector() int32               { return o.sector }

// CalibrateOffset latches the present wrapped estimate as electrical zero.
func (o *Observer) CalibrateOffset() {
	o.cfg.Offset = o.posWrapped
	o.cfg.OffsetCalibrated = true
}

// CalibrateDirection compares positions recorded before and after a
// positive electrical excitation.
func (o *Observer) CalibrateDirection(start, end float32) {
	if end >= start {
		o.cfg.Direction = 1
	} else {
		o.cfg.Direction = -1
	}
	o.cfg.DirectionCalibrated = true
}

// ResetCalibration forgets offset and direction.
func (o *Observer) ResetCalibration() {
	o.cfg.Offset = 0
	o.cfg.Direction = 1
	o.cfg.OffsetCalibrated = false
	o.cfg.DirectionCalibrated = false
}

func (o *Observer) Offset() float32 { return o.cfg.Offset }
func (o *Observer) Direction() int8 { return o.cfg.Direction }

// Calibrated reports whether position can be used for commutation.
func (o *Observer) Calibrated() bool {
	return o.cfg.OffsetCalibrated && o.cfg.DirectionCalibrated
}
