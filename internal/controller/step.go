package controller

import (
	"github.com/kstaniek/go-foc-firmware/internal/fmath"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
)

// deadband shrinks e toward zero by db.
func deadband(e, db float32) float32 {
	if a := fmath.Abs(e) - db; a > 0 {
		return fmath.Sign(e) * a
	}
	return 0
}

func (c *Controller) stepClosedLoop() {
	c.warnings &^= WarnVelocityLimited | WarnCurrentLimited | WarnModulationLimited

	switch c.mode {
	case ModeTrajectory:
		c.trajTime += c.period
		pos, vel, done := c.plan.Evaluate(c.trajTime)
		c.posSetpoint = pos
		c.velSetpoint = vel
		if done {
			c.mode = ModePosition
			logging.L().Debug("trajectory_done", "target", c.userFrame.Apply(pos))
		}
	case ModeHoming:
		c.stepHoming()
	}

	// Rate limit the velocity setpoint.
	if inc := c.cfg.VelRampIncrement; inc > 0 {
		c.velRamped += fmath.ClampSym(c.velSetpoint-c.velRamped, inc)
	} else {
		c.velRamped = c.velSetpoint
	}

	posEst := c.obs.PosEstimate()
	velEst := c.obs.VelEstimate()
	velSp := c.velRamped
	velIntSp := velSp
	iqSp := c.iqSetpoint

	if c.mode >= ModePosition {
		e := c.posSetpoint - posEst
		velSp += e * c.cfg.PosGain
		velIntSp += deadband(e, c.cfg.VelIntegralDeadband) * c.cfg.PosGain
	}

	if c.mode >= ModeVelocity {
		iqSp += (velSp-velEst)*c.cfg.VelGain + c.velIntegrator
		clamped := false
		hi := c.cfg.VelGain * (c.cfg.VelLimit - velEst)
		lo := c.cfg.VelGain * (-c.cfg.VelLimit - velEst)
		if iqSp > hi || iqSp < lo {
			iqSp = fmath.Clamp(iqSp, lo, hi)
			c.warnings |= WarnVelocityLimited
			clamped = true
		}
		if fmath.Abs(iqSp) > c.cfg.CurrentLimit {
			iqSp = fmath.ClampSym(iqSp, c.cfg.CurrentLimit)
			c.warnings |= WarnCurrentLimited
			clamped = true
		}
		if clamped {
			c.velIntegrator *= integratorDecay
		} else {
			c.velIntegrator += (velIntSp - velEst) * c.period * c.cfg.VelIntegralGain
		}
	} else if fmath.Abs(iqSp) > c.cfg.CurrentLimit {
		iqSp = fmath.ClampSym(iqSp, c.cfg.CurrentLimit)
		c.warnings |= WarnCurrentLimited
	}

	idSp := float32(0)
	if c.cfg.FluxBraking {
		idSp = fmath.Clamp(c.ibus+c.cfg.IRegenLimit, -c.cfg.MaxBrakeCurrent, 0)
	}
	c.idSetpoint = idSp

	// Current loop in the rotor frame.
	s, co := fmath.FastSinCos(c.ElectricalAngle())
	alpha, beta := fmath.Clarke(c.ia, c.ib, c.ic)
	d, q := fmath.Park(alpha, beta, s, co)
	c.id += currentFilter * (d - c.id)
	c.iq += currentFilter * (q - c.iq)

	var vd, vq float32
	ed := idSp - c.id
	eq := iqSp - c.iq
	if c.motor.IsGimbal() {
		// No current sensing worth trusting: voltage mode.
		r := c.motor.PhaseResistance()
		vd, vq = idSp*r, iqSp*r
	} else {
		vd = ed*c.iGain + c.idIntegrator
		vq = eq*c.iGain + c.iqIntegrator
	}

	vbus := c.vbus
	if vbus <= 0 {
		c.setDuty(0, 0, 0)
		return
	}
	modD, modQ := vd/vbus, vq/vbus
	limit := c.cfg.PWMLimit * fmath.InvSqrt3
	if mag := fmath.Sqrt(modD*modD + modQ*modQ); mag > limit {
		scale := limit / mag
		modD *= scale
		modQ *= scale
		c.idIntegrator *= integratorDecay
		c.iqIntegrator *= integratorDecay
		c.warnings |= WarnModulationLimited
	} else if !c.motor.IsGimbal() {
		c.idIntegrator += ed * c.iIntegralGain * c.period
		c.iqIntegrator += eq * c.iIntegralGain * c.period
	}
	c.modD, c.modQ = modD, modQ
	c.ibus = c.id*modD + c.iq*modQ

	ma, mb := fmath.InvPark(modD, modQ, s, co)
	da, db, dc, _ := fmath.SVM(ma, mb)
	c.setDuty(da, db, dc)
}
