package controller

import (
	"github.com/kstaniek/go-foc-firmware/internal/fmath"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/motor"
)

type calPhase uint8

const (
	calNone calPhase = iota
	calResistance
	calInductance
	calAlign
	calSweep
)

func (p calPhase) String() string {
	switch p {
	case calResistance:
		return "resistance"
	case calInductance:
		return "inductance"
	case calAlign:
		return "align"
	case calSweep:
		return "sweep"
	}
	return "none"
}

const (
	calVGain           = 0.0005 // V per A per tick
	calResistanceTime  = 2.0    // s
	calInductanceTime  = 1.0
	calAlignTime       = 0.5
	calSweepTime       = 2.0
	calElectricalTurns = 8
	polePairsTolerance = 0.30
)

type calibration struct {
	phase calPhase
	tick  uint32
	v     float32

	iHigh, iLow  float32
	nHigh, nLow  uint32
	lastPositive bool

	start float32
}

func (c *Controller) phaseTicks(seconds float32) uint32 {
	return uint32(seconds/c.period + 0.5)
}

func (c *Controller) startCalibration() {
	c.motor.ResetCalibration()
	c.obs.ResetCalibration()
	c.resetLoops()
	c.cal = calibration{}
	c.deps.Gate.Enable()
	if c.motor.IsGimbal() {
		c.enterPhase(calAlign)
	} else {
		c.enterPhase(calResistance)
	}
	logging.L().Info("calibration_started", "gimbal", c.motor.IsGimbal())
}

func (c *Controller) enterPhase(p calPhase) {
	c.setDuty(0, 0, 0)
	c.cal.phase = p
	c.cal.tick = 0
	c.cal.v = 0
}

// applyVoltage drives a stationary frame voltage vector, limited to the
// linear modulation range.
func (c *Controller) applyVoltage(alpha, beta float32) {
	if c.vbus <= 0 {
		c.setDuty(0, 0, 0)
		return
	}
	ma, mb := alpha/c.vbus, beta/c.vbus
	limit := c.cfg.PWMLimit * fmath.InvSqrt3
	if mag := fmath.Sqrt(ma*ma + mb*mb); mag > limit {
		ma *= limit / mag
		mb *= limit / mag
	}
	da, db, dc, _ := fmath.SVM(ma, mb)
	c.setDuty(da, db, dc)
}

func (c *Controller) calibrationFailed(e motor.Errors, err error) {
	c.motor.SetError(e)
	logging.L().Error("calibration_failed", "phase", c.cal.phase.String(), "err", err)
	c.cal.phase = calNone
	c.zeroOutput()
	c.setState(StateIdle)
}

func (c *Controller) stepCalibration() {
	cal := &c.cal
	cal.tick++
	switch cal.phase {
	case calResistance:
		iCal := c.motor.CalibrationCurrent()
		cal.v += calVGain * (iCal - c.ia)
		vMax := c.vbus * c.cfg.PWMLimit * fmath.InvSqrt3
		cal.v = fmath.ClampSym(cal.v, vMax)
		c.applyVoltage(cal.v, 0)
		if cal.tick < c.phaseTicks(calResistanceTime) {
			return
		}
		r := fmath.Abs(cal.v / iCal)
		if err := c.motor.SetPhaseResistance(r); err != nil {
			c.calibrationFailed(motor.ErrPhaseResistanceOutOfRange, err)
			return
		}
		logging.L().Info("calibration_resistance", "ohm", r)
		c.enterPhase(calInductance)

	case calInductance:
		// The sample taken this tick reflects the voltage applied last tick.
		if cal.tick > 1 {
			if cal.lastPositive {
				cal.iHigh += c.ia
				cal.nHigh++
			} else {
				cal.iLow += c.ia
				cal.nLow++
			}
		}
		vCal := c.motor.CalibrationVoltage()
		positive := cal.tick%2 == 1
		if positive {
			c.applyVoltage(vCal, 0)
		} else {
			c.applyVoltage(-vCal, 0)
		}
		cal.lastPositive = positive
		if cal.tick < c.phaseTicks(calInductanceTime) {
			return
		}
		var l float32
		if cal.nHigh > 0 && cal.nLow > 0 {
			dI := fmath.Abs(cal.iHigh/float32(cal.nHigh) - cal.iLow/float32(cal.nLow))
			l = vCal * c.period / dI
		}
		if err := c.motor.SetPhaseInductance(l); err != nil {
			c.calibrationFailed(motor.ErrPhaseInductanceOutOfRange, err)
			return
		}
		logging.L().Info("calibration_inductance", "henry", l)
		c.updateCurrentGains()
		c.enterPhase(calAlign)

	case calAlign:
		c.applyVoltage(c.motor.CalibrationCurrent()*c.motor.PhaseResistance(), 0)
		if cal.tick < c.phaseTicks(calAlignTime) {
			return
		}
		c.obs.Reset(c.raw)
		c.obs.CalibrateOffset()
		start := c.obs.PosEstimate()
		c.enterPhase(calSweep)
		cal.start = start

	case calSweep:
		n := c.phaseTicks(calSweepTime)
		angle := calElectricalTurns * fmath.TwoPi * float32(cal.tick) / float32(n)
		v := c.motor.CalibrationCurrent() * c.motor.PhaseResistance()
		s, co := fmath.FastSinCos(fmath.Wrap2Pi(angle))
		c.applyVoltage(v*co, v*s)
		if cal.tick < n {
			return
		}
		end := c.obs.PosEstimate()
		travel := fmath.Abs(end - cal.start)
		var ratio float32
		if travel > 0 {
			ratio = calElectricalTurns * float32(c.obs.Ticks()) / travel
		}
		pp := fmath.Round(ratio)
		if fmath.Abs(ratio-pp) > polePairsTolerance {
			c.calibrationFailed(motor.ErrInvalidPolePairs, motor.ErrOutOfRange)
			return
		}
		if err := c.motor.SetPolePairs(int32(pp)); err != nil {
			c.calibrationFailed(motor.ErrInvalidPolePairs, err)
			return
		}
		c.obs.CalibrateDirection(cal.start, end)
		c.finishCalibration()
	}
}

func (c *Controller) finishCalibration() {
	c.Refresh()
	c.cal.phase = calNone
	logging.L().Info("calibration_done",
		"r", c.motor.PhaseResistance(),
		"l", c.motor.PhaseInductance(),
		"pole_pairs", c.motor.PolePairs(),
		"direction", c.obs.Direction(),
		"offset", c.obs.Offset())
	c.zeroOutput()
	c.setState(StateIdle)
}
