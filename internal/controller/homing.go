package controller

import (
	"github.com/kstaniek/go-foc-firmware/internal/fmath"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
)

type homingState struct {
	elapsed   float32
	stallTime float32
}

// StartHoming drives toward the end stop at the homing velocity. On stall
// the user frame is re-zeroed so the stall point sits RetractDistance
// behind zero and a trajectory to zero is planned.
func (c *Controller) StartHoming() error {
	if c.state != StateClosedLoop {
		return ErrNotClosedLoop
	}
	if c.mode < ModePosition {
		c.posSetpoint = c.obs.PosEstimate()
	}
	c.homing = homingState{}
	c.warnings &^= WarnHomingTimeout
	c.mode = ModeHoming
	logging.L().Info("homing_started", "velocity", c.cfg.Homing.Velocity)
	return nil
}

func (c *Controller) SetHomingConfig(h HomingConfig) error {
	cfg := c.cfg
	cfg.Homing = h
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg.Homing = h
	return nil
}

func (c *Controller) HomingConfig() HomingConfig { return c.cfg.Homing }

func (c *Controller) stepHoming() {
	h := &c.homing
	hc := c.cfg.Homing
	posEst := c.obs.PosEstimate()

	h.elapsed += c.period
	if h.elapsed > hc.MaxHomingTime {
		c.warnings |= WarnHomingTimeout
		c.mode = ModePosition
		c.posSetpoint = posEst
		c.velSetpoint = 0
		logging.L().Warn("homing_timeout", "elapsed", h.elapsed)
		return
	}

	c.velSetpoint = hc.Velocity
	c.posSetpoint += hc.Velocity * c.period

	if fmath.Abs(c.obs.VelEstimate()) < hc.StallVelocity && fmath.Abs(c.posSetpoint-posEst) > hc.StallDelta {
		h.stallTime += c.period
	} else {
		h.stallTime = 0
	}
	if h.stallTime < hc.StallTime {
		return
	}

	target := posEst - fmath.Sign(hc.Velocity)*hc.RetractDistance
	c.cfg.UserOffset = -c.cfg.UserMultiplier * target
	c.updateFrames()
	c.posSetpoint = posEst
	c.velSetpoint = 0
	c.velRamped = 0
	logging.L().Info("homing_stall", "stall_user", c.userFrame.Apply(posEst), "elapsed", h.elapsed)
	if err := c.planTo(target); err != nil {
		c.mode = ModePosition
		c.posSetpoint = target
	}
}
