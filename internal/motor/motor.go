// Package motor holds the electrical model of the attached PMSM and the
// results of its calibration.
package motor

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Plausible ranges for measured or configured parameters.
const (
	MinPhaseResistance = 0.005
	MaxPhaseResistance = 5.0
	MinPhaseInductance = 1e-6
	MaxPhaseInductance = 1e-2
	MaxPolePairs       = 24
)

var ErrOutOfRange = errors.New("motor: value out of range")

// Errors is the latched calibration error bitmask.
type Errors uint8

const (
	ErrPhaseResistanceOutOfRange Errors = 1 << iota
	ErrPhaseInductanceOutOfRange
	ErrInvalidPolePairs
)

func (e Errors) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&ErrPhaseResistanceOutOfRange != 0 {
		parts = append(parts, "phase_resistance_out_of_range")
	}
	if e&ErrPhaseInductanceOutOfRange != 0 {
		parts = append(parts, "phase_inductance_out_of_range")
	}
	if e&ErrInvalidPolePairs != 0 {
		parts = append(parts, "invalid_pole_pairs")
	}
	return strings.Join(parts, "|")
}

// Params is the persisted motor configuration.
type Params struct {
	R                   float32 `yaml:"phase_resistance"`
	L                   float32 `yaml:"phase_inductance"`
	PolePairs           int32   `yaml:"pole_pairs"`
	CalibrationCurrent  float32 `yaml:"calibration_current"`
	CalibrationVoltage  float32 `yaml:"calibration_voltage"`
	IsGimbal            bool    `yaml:"is_gimbal"`
	RCalibrated         bool    `yaml:"r_calibrated"`
	LCalibrated         bool    `yaml:"l_calibrated"`
	PolePairsCalibrated bool    `yaml:"pole_pairs_calibrated"`
}

func DefaultParams() Params {
	return Params{
		R:                  0.1,
		L:                  1e-5,
		PolePairs:          7,
		CalibrationCurrent: 5,
		CalibrationVoltage: 2,
	}
}

// Motor is owned by the controller and mutated from the control tick only.
type Motor struct {
	p      Params
	errors Errors
}

func New(p Params) *Motor { return &Motor{p: p} }

func (m *Motor) Params() Params { return m.p }

// SetParams replaces the configuration wholesale (used by restore).
func (m *Motor) SetParams(p Params) { m.p = p }

// Validate checks the ranges enforced by the setters.
func (p Params) Validate() error {
	var err error
	if !(p.R >= MinPhaseResistance && p.R <= MaxPhaseResistance) {
		err = multierr.Append(err, fmt.Errorf("%w: phase resistance %g", ErrOutOfRange, p.R))
	}
	if !(p.L >= MinPhaseInductance && p.L <= MaxPhaseInductance) {
		err = multierr.Append(err, fmt.Errorf("%w: phase inductance %g", ErrOutOfRange, p.L))
	}
	if p.PolePairs < 1 || p.PolePairs > MaxPolePairs {
		err = multierr.Append(err, fmt.Errorf("%w: pole pairs %d", ErrOutOfRange, p.PolePairs))
	}
	if !(p.CalibrationCurrent > 0) {
		err = multierr.Append(err, fmt.Errorf("%w: calibration current %g", ErrOutOfRange, p.CalibrationCurrent))
	}
	if !(p.CalibrationVoltage > 0) {
		err = multierr.Append(err, fmt.Errorf("%w: calibration voltage %g", ErrOutOfRange, p.CalibrationVoltage))
	}
	return err
}

func (m *Motor) PhaseResistance() float32 { return m.p.R }
func (m *Motor) PhaseInductance() float32 { return m.p.L }
func (m *Motor) PolePairs() int32         { return m.p.PolePairs }
func (m *Motor) IsGimbal() bool           { return m.p.IsGimbal }

func (m *Motor) CalibrationCurrent() float32 { return m.p.CalibrationCurrent }
func (m *Motor) CalibrationVoltage() float32 { return m.p.CalibrationVoltage }

// SetPhaseResistance stores R and marks it calibrated.
func (m *Motor) SetPhaseResistance(r float32) error {
	if !(r >= MinPhaseResistance && r <= MaxPhaseResistance) {
		return fmt.Errorf("%w: phase resistance %g", ErrOutOfRange, r)
	}
	m.p.R = r
	m.p.RCalibrated = true
	return nil
}

func (m *Motor) SetPhaseInductance(l float32) error {
	if !(l >= MinPhaseInductance && l <= MaxPhaseInductance) {
		return fmt.Errorf("%w: phase inductance %g", ErrOutOfRange, l)
	}
	m.p.L = l
	m.p.LCalibrated = true
	return nil
}

func (m *Motor) SetPolePairs(n int32) error {
	if n < 1 || n > MaxPolePairs {
		return fmt.Errorf("%w: pole pairs %d", ErrOutOfRange, n)
	}
	m.p.PolePairs = n
	m.p.PolePairsCalibrated = true
	return nil
}

func (m *Motor) SetCalibrationCurrent(i float32) error {
	if !(i > 0) {
		return fmt.Errorf("%w: calibration current %g", ErrOutOfRange, i)
	}
	m.p.CalibrationCurrent = i
	return nil
}

func (m *Motor) SetCalibrationVoltage(v float32) error {
	if !(v > 0) {
		return fmt.Errorf("%w: calibration voltage %g", ErrOutOfRange, v)
	}
	m.p.CalibrationVoltage = v
	return nil
}

// SetGimbal switches between measured and configured R/L. Gimbal motors are
// high resistance and are driven in voltage mode, so R and L count as known.
func (m *Motor) SetGimbal(on bool) {
	m.p.IsGimbal = on
	if on {
		m.p.RCalibrated = true
		m.p.LCalibrated = true
	}
}

// Calibrated reports whether R, L and pole pairs are all known.
func (m *Motor) Calibrated() bool {
	return m.p.RCalibrated && m.p.LCalibrated && m.p.PolePairsCalibrated
}

// ResetCalibration clears calibration flags, keeping gimbal R/L.
func (m *Motor) ResetCalibration() {
	if !m.p.IsGimbal {
		m.p.RCalibrated = false
		m.p.LCalibrated = false
	}
	m.p.PolePairsCalibrated = false
}

func (m *Motor) Errors() Errors    { return m.errors }
func (m *Motor) SetError(e Errors) { m.errors |= e }
func (m *Motor) ClearErrors()      { m.errors = 0 }
func (m *Motor) HasErrors() bool   { return m.errors != 0 }

// CurrentGains derives the current loop PI gains for a closed loop bandwidth
// in rad/s: I_gain = bw*L and I_integral_gain = (R/L)*I_gain.
func (m *Motor) CurrentGains(bandwidth float32) (gain, integral float32) {
	if m.p.L <= 0 {
		return 0, 0
	}
	gain = bandwidth * m.p.L
	integral = (m.p.R / m.p.L) * gain
	return gain, integral
}
