package device

import (
	"fmt"
	"math"

	"github.com/kstaniek/go-foc-firmware/internal/controller"
	"github.com/kstaniek/go-foc-firmware/internal/endpoint"
)

// Endpoint ids. Append only: clients pin them through the protocol hash.
const (
	EPState uint8 = iota + 2
	EPMode
	EPErrors
	EPMotorErrors
	EPWarnings
	EPPosEstimate
	EPVelEstimate
	EPIqEstimate
	EPPosSetpoint
	EPVelSetpoint
	EPIqSetpoint
	EPVbus
	EPPower
	EPPosGain
	EPVelGain
	EPVelIntegralGain
	EPVelIntegralDeadband
	EPCurrentBandwidth
	EPVelLimit
	EPCurrentLimit
	EPVelRampIncrement
	EPIRegenLimit
	EPMaxBrakeCurrent
	EPFluxBraking
	EPMotorR
	EPMotorL
	EPMotorPolePairs
	EPMotorCalCurrent
	EPMotorCalVoltage
	EPMotorGimbal
	EPMotorCalibrated
	EPObserverBandwidth
	EPObserverCalibrated
	EPUserOffset
	EPUserMultiplier
	EPTrajMaxVel
	EPTrajMaxAccel
	EPTrajMaxDecel
	EPMoveTo
	EPHomingVelocity
	EPHomingMaxTime
	EPHomingRetract
	EPHomingStallVelocity
	EPHomingStallDelta
	EPHomingStallTime
	EPStartHoming
	EPClearErrors
	EPSaveConfig
	EPEraseConfig
	EPReset
	EPCalibrate
	EPIdle
	EPNodeID
	EPUptime
	EPIdEstimate
	EPBusCurrent
	EPElectricalAngle
	EPEncoderTicks
)

func finite(v float32) error {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %g", controller.ErrInvalidValue, v)
	}
	return nil
}

func ro(id uint8, name string, get func() float32) endpoint.Endpoint {
	return endpoint.Endpoint{ID: id, Name: name, Kind: endpoint.KindF32,
		Get: func() endpoint.Value { return endpoint.F32(get()) }}
}

func rw(id uint8, name string, get func() float32, set func(float32) error) endpoint.Endpoint {
	return endpoint.Endpoint{ID: id, Name: name, Kind: endpoint.KindF32,
		Get: func() endpoint.Value { return endpoint.F32(get()) },
		Set: func(v endpoint.Value) error {
			if err := finite(v.F32()); err != nil {
				return err
			}
			return set(v.F32())
		}}
}

func flag(id uint8, name string, get func() bool, set func(bool) error) endpoint.Endpoint {
	e := endpoint.Endpoint{ID: id, Name: name, Kind: endpoint.KindBool,
		Get: func() endpoint.Value { return endpoint.Bool(get()) }}
	if set != nil {
		e.Set = func(v endpoint.Value) error { return set(v.Bool()) }
	}
	return e
}

func u8(id uint8, name string, get func() uint8, set func(uint8) error) endpoint.Endpoint {
	e := endpoint.Endpoint{ID: id, Name: name, Kind: endpoint.KindU8,
		Get: func() endpoint.Value { return endpoint.U8(get()) }}
	if set != nil {
		e.Set = func(v endpoint.Value) error { return set(v.U8()) }
	}
	return e
}

func call(id uint8, name string, fn func() error) endpoint.Endpoint {
	return endpoint.Endpoint{ID: id, Name: name, Kind: endpoint.KindCall, Call: fn}
}

// idle guards setters that reconfigure the motor model.
func (d *Device) idle(fn func() error) error {
	if d.ctrl.State() != controller.StateIdle {
		return ErrNotIdle
	}
	if err := fn(); err != nil {
		return err
	}
	d.ctrl.Refresh()
	return nil
}

func (d *Device) homing(fn func(*controller.HomingConfig)) error {
	h := d.ctrl.HomingConfig()
	fn(&h)
	return d.ctrl.SetHomingConfig(h)
}

func (d *Device) endpoints() []endpoint.Endpoint {
	c, m, o := d.ctrl, d.mot, d.obs
	cfg := c.Config
	nop := func(set func(float32)) func(float32) error {
		return func(v float32) error { set(v); return nil }
	}
	return []endpoint.Endpoint{
		u8(EPState, "state",
			func() uint8 { return uint8(c.State()) },
			func(v uint8) error { return c.SetState(controller.State(v)) }),
		u8(EPMode, "mode",
			func() uint8 { return uint8(c.Mode()) },
			func(v uint8) error { return c.SetMode(controller.Mode(v)) }),
		u8(EPErrors, "errors", func() uint8 { return uint8(c.Errors()) }, nil),
		u8(EPMotorErrors, "motor_errors", func() uint8 { return uint8(m.Errors()) }, nil),
		u8(EPWarnings, "warnings", func() uint8 { return uint8(c.Warnings()) }, nil),

		ro(EPPosEstimate, "pos_estimate", c.PosEstimate),
		ro(EPVelEstimate, "vel_estimate", c.VelEstimate),
		ro(EPIqEstimate, "iq_estimate", c.IqEstimate),
		rw(EPPosSetpoint, "pos_setpoint", c.PosSetpoint, nop(c.SetPosSetpoint)),
		rw(EPVelSetpoint, "vel_setpoint", c.VelSetpoint, nop(c.SetVelSetpoint)),
		rw(EPIqSetpoint, "iq_setpoint", c.IqSetpoint, nop(c.SetIqSetpoint)),
		ro(EPVbus, "vbus", c.Vbus),
		ro(EPPower, "power", c.Power),

		rw(EPPosGain, "pos_gain", func() float32 { return cfg().PosGain }, c.SetPosGain),
		rw(EPVelGain, "vel_gain", func() float32 { return cfg().VelGain }, c.SetVelGain),
		rw(EPVelIntegralGain, "vel_integral_gain", func() float32 { return cfg().VelIntegralGain }, c.SetVelIntegralGain),
		rw(EPVelIntegralDeadband, "vel_integral_deadband", func() float32 { return cfg().VelIntegralDeadband }, c.SetVelIntegralDeadband),
		rw(EPCurrentBandwidth, "current_bandwidth", func() float32 { return cfg().CurrentBandwidth }, c.SetCurrentBandwidth),
		rw(EPVelLimit, "vel_limit", func() float32 { return cfg().VelLimit }, c.SetVelLimit),
		rw(EPCurrentLimit, "current_limit", func() float32 { return cfg().CurrentLimit }, c.SetCurrentLimit),
		rw(EPVelRampIncrement, "vel_ramp_increment", func() float32 { return cfg().VelRampIncrement }, c.SetVelRampIncrement),
		rw(EPIRegenLimit, "i_regen_limit", func() float32 { return cfg().IRegenLimit }, c.SetIRegenLimit),
		rw(EPMaxBrakeCurrent, "max_brake_current", func() float32 { return cfg().MaxBrakeCurrent }, c.SetMaxBrakeCurrent),
		flag(EPFluxBraking, "flux_braking",
			func() bool { return cfg().FluxBraking },
			func(on bool) error { c.SetFluxBraking(on); return nil }),

		rw(EPMotorR, "motor_phase_resistance", m.PhaseResistance,
			func(v float32) error { return d.idle(func() error { return m.SetPhaseResistance(v) }) }),
		rw(EPMotorL, "motor_phase_inductance", m.PhaseInductance,
			func(v float32) error { return d.idle(func() error { return m.SetPhaseInductance(v) }) }),
		u8(EPMotorPolePairs, "motor_pole_pairs",
			func() uint8 { return uint8(m.PolePairs()) },
			func(v uint8) error { return d.idle(func() error { return m.SetPolePairs(int32(v)) }) }),
		rw(EPMotorCalCurrent, "motor_calibration_current", m.CalibrationCurrent,
			func(v float32) error { return d.idle(func() error { return m.SetCalibrationCurrent(v) }) }),
		rw(EPMotorCalVoltage, "motor_calibration_voltage", m.CalibrationVoltage,
			func(v float32) error { return d.idle(func() error { return m.SetCalibrationVoltage(v) }) }),
		flag(EPMotorGimbal, "motor_gimbal", m.IsGimbal,
			func(on bool) error { return d.idle(func() error { m.SetGimbal(on); return nil }) }),
		flag(EPMotorCalibrated, "motor_calibrated", m.Calibrated, nil),

		rw(EPObserverBandwidth, "observer_bandwidth", o.Bandwidth, func(v float32) error {
			if !o.SetBandwidth(v) {
				return fmt.Errorf("%w: observer bandwidth %g", controller.ErrInvalidValue, v)
			}
			return nil
		}),
		flag(EPObserverCalibrated, "observer_calibrated", o.Calibrated, nil),

		rw(EPUserOffset, "user_offset", func() float32 { return cfg().UserOffset }, nop(c.SetUserOffset)),
		rw(EPUserMultiplier, "user_multiplier", func() float32 { return cfg().UserMultiplier }, c.SetUserMultiplier),
		rw(EPTrajMaxVel, "traj_max_vel", func() float32 { return cfg().TrajMaxVel }, c.SetTrajMaxVel),
		rw(EPTrajMaxAccel, "traj_max_accel", func() float32 { return cfg().TrajMaxAccel }, c.SetTrajMaxAccel),
		rw(EPTrajMaxDecel, "traj_max_decel", func() float32 { return cfg().TrajMaxDecel }, c.SetTrajMaxDecel),
		{ID: EPMoveTo, Name: "move_to", Kind: endpoint.KindF32, Set: func(v endpoint.Value) error {
			if err := finite(v.F32()); err != nil {
				return err
			}
			return c.PlanMoveTo(v.F32())
		}},

		rw(EPHomingVelocity, "homing_velocity", func() float32 { return cfg().Homing.Velocity },
			func(v float32) error { return d.homing(func(h *controller.HomingConfig) { h.Velocity = v }) }),
		rw(EPHomingMaxTime, "homing_max_time", func() float32 { return cfg().Homing.MaxHomingTime },
			func(v float32) error { return d.homing(func(h *controller.HomingConfig) { h.MaxHomingTime = v }) }),
		rw(EPHomingRetract, "homing_retract_distance", func() float32 { return cfg().Homing.RetractDistance },
			func(v float32) error { return d.homing(func(h *controller.HomingConfig) { h.RetractDistance = v }) }),
		rw(EPHomingStallVelocity, "homing_stall_velocity", func() float32 { return cfg().Homing.StallVelocity },
			func(v float32) error { return d.homing(func(h *controller.HomingConfig) { h.StallVelocity = v }) }),
		rw(EPHomingStallDelta, "homing_stall_delta", func() float32 { return cfg().Homing.StallDelta },
			func(v float32) error { return d.homing(func(h *controller.HomingConfig) { h.StallDelta = v }) }),
		rw(EPHomingStallTime, "homing_stall_time", func() float32 { return cfg().Homing.StallTime },
			func(v float32) error { return d.homing(func(h *controller.HomingConfig) { h.StallTime = v }) }),

		call(EPStartHoming, "start_homing", c.StartHoming),
		call(EPClearErrors, "clear_errors", func() error { c.ClearErrors(); return nil }),
		call(EPSaveConfig, "save_config", d.Save),
		call(EPEraseConfig, "erase_config", d.Erase),
		call(EPReset, "reset", func() error { d.RequestReset(); return nil }),
		call(EPCalibrate, "calibrate", func() error { return c.SetState(controller.StateCalibrate) }),
		call(EPIdle, "idle", func() error { return c.SetState(controller.StateIdle) }),

		u8(EPNodeID, "node_id",
			func() uint8 { return d.pendingNode },
			func(v uint8) error {
				if v == 0 {
					return fmt.Errorf("%w: node id 0", controller.ErrInvalidValue)
				}
				d.pendingNode = v
				return nil
			}),
		ro(EPUptime, "uptime", func() float32 { return float32(d.uptime) }),
		ro(EPIdEstimate, "id_estimate", c.IdEstimate),
		ro(EPBusCurrent, "bus_current", c.BusCurrent),
		ro(EPElectricalAngle, "electrical_angle", c.ElectricalAngle),
		{ID: EPEncoderTicks, Name: "encoder_ticks", Kind: endpoint.KindU32,
			Get: func() endpoint.Value { return endpoint.U32(uint32(o.Ticks())) }},
	}
}
