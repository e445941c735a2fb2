// Package controller runs the cascaded field oriented control loop. All
// mutation happens from Step and the setters, which must be called from the
// same goroutine as the control tick.
package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kstaniek/go-foc-firmware/internal/fmath"
	"github.com/kstaniek/go-foc-firmware/internal/frames"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/motor"
	"github.com/kstaniek/go-foc-firmware/internal/observer"
	"github.com/kstaniek/go-foc-firmware/internal/planner"
)

// Hardware the controller drives and samples.
type (
	GateDriver interface {
		Enable()
		Disable()
		SetDuty(a, b, c float32)
	}
	ADC interface {
		PhaseCurrents() (a, b, c float32)
		Vbus() float32
	}
	Sensor interface {
		ReadRawAngle() int32
	}
	Watchdog interface {
		Feed()
	}
)

// Deps bundles the collaborators injected at construction.
type Deps struct {
	Gate     GateDriver
	ADC      ADC
	Sensor   Sensor
	Watchdog Watchdog
}

type State uint8

const (
	StateIdle State = iota
	StateCalibrate
	StateClosedLoop
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrate:
		return "calibrate"
	case StateClosedLoop:
		return "closed_loop"
	}
	return "unknown"
}

// Mode is ordered by how many outer loops wrap the current loop.
type Mode uint8

const (
	ModeCurrent Mode = iota
	ModeVelocity
	ModePosition
	ModeTrajectory
	ModeHoming
)

func (m Mode) String() string {
	switch m {
	case ModeCurrent:
		return "current"
	case ModeVelocity:
		return "velocity"
	case ModePosition:
		return "position"
	case ModeTrajectory:
		return "trajectory"
	case ModeHoming:
		return "homing"
	}
	return "unknown"
}

// Errors is the latched controller fault bitmask.
type Errors uint8

const (
	ErrCurrentLimitExceeded Errors = 1 << iota
	ErrUndervoltage
)

func (e Errors) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&ErrCurrentLimitExceeded != 0 {
		parts = append(parts, "current_limit_exceeded")
	}
	if e&ErrUndervoltage != 0 {
		parts = append(parts, "undervoltage")
	}
	return strings.Join(parts, "|")
}

// Warnings are informational and cleared by ClearErrors.
type Warnings uint8

const (
	WarnVelocityLimited Warnings = 1 << iota
	WarnCurrentLimited
	WarnModulationLimited
	WarnHomingTimeout
)

// Transition failures.
var (
	ErrNotCalibrated    = errors.New("controller: not calibrated")
	ErrFaultLatched     = errors.New("controller: errors latched")
	ErrTransition       = errors.New("controller: transition not allowed")
	ErrNotClosedLoop    = errors.New("controller: not in closed loop")
	errCurrentTrip      = errors.New("current limit exceeded")
	errUndervoltageTrip = errors.New("bus undervoltage")
)

const (
	tripMargin      = 1.35
	integratorDecay = 0.995
	currentFilter   = 0.3 // I_k
)

// Controller owns the control state. Construct with New.
type Controller struct {
	cfg    Config
	deps   Deps
	obs    *observer.Observer
	motor  *motor.Motor
	period float32

	state    State
	mode     Mode
	errors   Errors
	warnings Warnings

	// Frames: sensor ticks to user units, sensor ticks to electrical radians.
	userFrame  frames.Transform
	motorFrame frames.Transform

	iGain, iIntegralGain float32

	// Latest measurements.
	ia, ib, ic float32
	vbus       float32
	raw        int32

	id, iq     float32
	modD, modQ float32
	ibus       float32
	duty       [3]float32

	// Setpoints in the sensor frame.
	posSetpoint float32
	velSetpoint float32
	velRamped   float32
	iqSetpoint  float32
	idSetpoint  float32

	velIntegrator float32
	idIntegrator  float32
	iqIntegrator  float32

	plan     planner.Plan
	trajTime float32

	cal    calibration
	homing homingState
}

// New builds a controller in Idle with the gate driver disabled.
func New(cfg Config, deps Deps, obs *observer.Observer, m *motor.Motor) *Controller {
	if cfg.PWMFrequency <= 0 {
		cfg.PWMFrequency = DefaultConfig().PWMFrequency
	}
	if cfg.UserMultiplier == 0 {
		cfg.UserMultiplier = 1
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		obs:    obs,
		motor:  m,
		period: 1 / cfg.PWMFrequency,
		mode:   ModeCurrent,
	}
	c.updateCurrentGains()
	c.updateFrames()
	c.zeroOutput()
	return c
}

func (c *Controller) Period() float32    { return c.period }
func (c *Controller) State() State       { return c.state }
func (c *Controller) Mode() Mode         { return c.mode }
func (c *Controller) Errors() Errors     { return c.errors }
func (c *Controller) Warnings() Warnings { return c.warnings }

// ErrorsExist reports latched controller or motor errors.
func (c *Controller) ErrorsExist() bool { return c.errors != 0 || c.motor.HasErrors() }

// Calibrating reports whether the calibration sequencer is running.
func (c *Controller) Calibrating() bool { return c.state == StateCalibrate }

// ClearErrors drops controller and motor errors and all warnings.
func (c *Controller) ClearErrors() {
	c.errors = 0
	c.warnings = 0
	c.motor.ClearErrors()
}

// SetState requests a state transition. Idle is always accepted.
func (c *Controller) SetState(s State) error {
	if s == c.state {
		return nil
	}
	if s == StateIdle {
		c.enterIdle("request")
		return nil
	}
	if c.state != StateIdle {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, c.state, s)
	}
	switch s {
	case StateCalibrate:
		if c.errors != 0 {
			return fmt.Errorf("%w: %s", ErrFaultLatched, c.errors)
		}
		// A retry clears the previous calibration failure.
		c.motor.ClearErrors()
		c.startCalibration()
	case StateClosedLoop:
		if c.ErrorsExist() {
			return fmt.Errorf("%w: controller=%s motor=%s", ErrFaultLatched, c.errors, c.motor.Errors())
		}
		if !c.motor.Calibrated() || !c.obs.Calibrated() {
			return ErrNotCalibrated
		}
		c.stopGenerators()
		c.resetLoops()
		c.posSetpoint = c.obs.PosEstimate()
		c.deps.Gate.Enable()
	default:
		return fmt.Errorf("%w: unknown state %d", ErrTransition, s)
	}
	c.setState(s)
	return nil
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	logging.L().Info("controller_state_change", "from", c.state.String(), "to", s.String(), "mode", c.mode.String())
	c.state = s
}

func (c *Controller) enterIdle(reason string) {
	if c.state == StateCalibrate {
		logging.L().Warn("calibration_aborted", "phase", c.cal.phase.String(), "reason", reason)
	}
	c.zeroOutput()
	c.stopGenerators()
	c.setState(StateIdle)
}

// stopGenerators ends a trajectory or homing run and falls back to
// position mode. A plan evaluated after the rotor moved would command a
// step to its old position.
func (c *Controller) stopGenerators() {
	if c.mode == ModeTrajectory || c.mode == ModeHoming {
		logging.L().Info("setpoint_generator_stopped", "mode", c.mode.String())
		c.mode = ModePosition
	}
	c.plan = planner.Plan{}
	c.trajTime = 0
	c.homing = homingState{}
}

// zeroOutput disables the bridge and drives zero duty.
func (c *Controller) zeroOutput() {
	c.deps.Gate.Disable()
	c.setDuty(0, 0, 0)
	c.modD, c.modQ = 0, 0
}

func (c *Controller) setDuty(a, b, d float32) {
	c.duty = [3]float32{a, b, d}
	c.deps.Gate.SetDuty(a, b, d)
}

// Duty returns the last duty triplet applied.
func (c *Controller) Duty() (a, b, d float32) { return c.duty[0], c.duty[1], c.duty[2] }

func (c *Controller) resetLoops() {
	c.velIntegrator = 0
	c.idIntegrator = 0
	c.iqIntegrator = 0
	c.velSetpoint = 0
	c.velRamped = 0
	c.iqSetpoint = 0
	c.idSetpoint = 0
	c.id, c.iq = 0, 0
}

// SetMode selects the closed loop mode. Trajectory and homing are entered
// through PlanMoveTo and StartHoming.
func (c *Controller) SetMode(m Mode) error {
	switch m {
	case ModeCurrent, ModeVelocity, ModePosition:
	default:
		return fmt.Errorf("%w: mode %s", ErrInvalidValue, m)
	}
	if m >= ModePosition && c.mode < ModePosition {
		c.posSetpoint = c.obs.PosEstimate()
	}
	if m == ModeVelocity && c.mode == ModeCurrent {
		c.velSetpoint = c.obs.VelEstimate()
		c.velRamped = c.velSetpoint
	}
	c.mode = m
	return nil
}

func (c *Controller) updateCurrentGains() {
	c.iGain, c.iIntegralGain = c.motor.CurrentGains(c.cfg.CurrentBandwidth)
}

// updateFrames recomputes the user and electrical frame maps after any
// change to pole pairs, observer calibration or the user offset.
func (c *Controller) updateFrames() {
	c.userFrame = frames.Transform{Offset: c.cfg.UserOffset, Multiplier: c.cfg.UserMultiplier}
	mult := float32(c.obs.Direction()) * float32(c.motor.PolePairs()) * fmath.TwoPi / float32(c.obs.Ticks())
	c.motorFrame = frames.Compose(
		frames.Transform{Multiplier: mult},
		frames.Transform{Offset: -c.obs.Offset(), Multiplier: 1},
	)
}

// ElectricalAngle is the rotor electrical angle in [0, 2π).
func (c *Controller) ElectricalAngle() float32 {
	return fmath.Wrap2Pi(c.motorFrame.Apply(c.obs.PosEstimateWrapped()))
}

// Config returns the tuning currently in effect.
func (c *Controller) Config() Config { return c.cfg }

// Restore applies a complete configuration after validating it. Only
// allowed while Idle.
func (c *Controller) Restore(cfg Config) error {
	if c.state != StateIdle {
		return fmt.Errorf("%w: restore while %s", ErrTransition, c.state)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	c.period = 1 / cfg.PWMFrequency
	c.updateCurrentGains()
	c.updateFrames()
	return nil
}

// Refresh re-derives gains and frames after motor or observer parameters
// changed outside the controller.
func (c *Controller) Refresh() {
	c.updateCurrentGains()
	c.updateFrames()
}

// Measure samples the ADC and sensor and advances the observer. Called on
// every ADC conversion, before Step.
func (c *Controller) Measure() {
	c.ia, c.ib, c.ic = c.deps.ADC.PhaseCurrents()
	c.vbus = c.deps.ADC.Vbus()
	c.raw = c.deps.Sensor.ReadRawAngle()
	c.obs.Update(c.raw)
}

// checkHealth latches faults from the latest measurement.
func (c *Controller) checkHealth() error {
	var err error
	if fmath.Abs(c.iq) > c.cfg.CurrentLimit*tripMargin {
		c.errors |= ErrCurrentLimitExceeded
		err = errCurrentTrip
	}
	if c.vbus < c.cfg.UndervoltageThreshold {
		c.errors |= ErrUndervoltage
		err = errors.Join(err, errUndervoltageTrip)
	}
	return err
}

// Step runs one PWM tick.
func (c *Controller) Step() {
	c.deps.Watchdog.Feed()
	if c.state != StateIdle {
		if err := c.checkHealth(); err != nil {
			logging.L().Error("controller_fault", "err", err, "errors", c.errors.String(), "iq", c.iq, "vbus", c.vbus)
			c.enterIdle("fault")
			return
		}
	}
	switch c.state {
	case StateIdle:
	case StateCalibrate:
		c.stepCalibration()
	case StateClosedLoop:
		c.stepClosedLoop()
	}
}

// Telemetry accessors. Positions and velocities are in the user frame.

func (c *Controller) PosEstimate() float32 { return c.userFrame.Apply(c.obs.PosEstimate()) }
func (c *Controller) VelEstimate() float32 { return c.userFrame.ApplyDerivative(c.obs.VelEstimate()) }
func (c *Controller) PosSetpoint() float32 { return c.userFrame.Apply(c.posSetpoint) }
func (c *Controller) VelSetpoint() float32 { return c.userFrame.ApplyDerivative(c.velSetpoint) }
func (c *Controller) IqSetpoint() float32  { return c.iqSetpoint }
func (c *Controller) IdEstimate() float32  { return c.id }
func (c *Controller) IqEstimate() float32  { return c.iq }
func (c *Controller) Vbus() float32        { return c.vbus }
func (c *Controller) BusCurrent() float32  { return c.ibus }
func (c *Controller) Power() float32       { return c.ibus * c.vbus }

// PosSetpointElectrical is the position setpoint in the motor electrical
// frame (unwrapped radians).
func (c *Controller) PosSetpointElectrical() float32 { return c.motorFrame.Apply(c.posSetpoint) }

func (c *Controller) SetPosSetpoint(user float32) {
	c.posSetpoint = c.userFrame.Inverse().Apply(user)
}

func (c *Controller) SetVelSetpoint(user float32) {
	c.velSetpoint = c.userFrame.Inverse().ApplyDerivative(user)
}

// SetIqSetpoint sets the current mode setpoint (and the feedforward term
// in outer modes).
func (c *Controller) SetIqSetpoint(iq float32) { c.iqSetpoint = iq }

func (c *Controller) SetPosGain(v float32) error {
	if err := nonNegative("pos_gain", v); err != nil {
		return err
	}
	c.cfg.PosGain = v
	return nil
}

func (c *Controller) SetVelGain(v float32) error {
	if err := nonNegative("vel_gain", v); err != nil {
		return err
	}
	c.cfg.VelGain = v
	return nil
}

func (c *Controller) SetVelIntegralGain(v float32) error {
	if err := nonNegative("vel_integral_gain", v); err != nil {
		return err
	}
	c.cfg.VelIntegralGain = v
	return nil
}

func (c *Controller) SetVelIntegralDeadband(v float32) error {
	if err := nonNegative("vel_integral_deadband", v); err != nil {
		return err
	}
	c.cfg.VelIntegralDeadband = v
	return nil
}

func (c *Controller) SetCurrentBandwidth(v float32) error {
	if err := positive("current_bandwidth", v); err != nil {
		return err
	}
	c.cfg.CurrentBandwidth = v
	c.updateCurrentGains()
	return nil
}

func (c *Controller) SetVelLimit(v float32) error {
	if err := positive("vel_limit", v); err != nil {
		return err
	}
	c.cfg.VelLimit = v
	return nil
}

func (c *Controller) SetCurrentLimit(v float32) error {
	if err := positive("current_limit", v); err != nil {
		return err
	}
	c.cfg.CurrentLimit = v
	return nil
}

func (c *Controller) SetVelRampIncrement(v float32) error {
	if err := nonNegative("vel_ramp_increment", v); err != nil {
		return err
	}
	c.cfg.VelRampIncrement = v
	return nil
}

func (c *Controller) SetIRegenLimit(v float32) error {
	if err := nonNegative("i_regen_limit", v); err != nil {
		return err
	}
	c.cfg.IRegenLimit = v
	return nil
}

func (c *Controller) SetMaxBrakeCurrent(v float32) error {
	if err := nonNegative("max_brake_current", v); err != nil {
		return err
	}
	c.cfg.MaxBrakeCurrent = v
	return nil
}

func (c *Controller) SetFluxBraking(on bool) { c.cfg.FluxBraking = on }

// SetUserOffset moves the user frame origin (user units).
func (c *Controller) SetUserOffset(v float32) {
	c.cfg.UserOffset = v
	c.updateFrames()
}

func (c *Controller) SetUserMultiplier(v float32) error {
	if v == 0 {
		return invalid("user_multiplier", v)
	}
	c.cfg.UserMultiplier = v
	c.updateFrames()
	return nil
}

func (c *Controller) SetTrajMaxVel(v float32) error {
	if err := positive("traj_max_vel", v); err != nil {
		return err
	}
	c.cfg.TrajMaxVel = v
	return nil
}

func (c *Controller) SetTrajMaxAccel(v float32) error {
	if err := positive("traj_max_accel", v); err != nil {
		return err
	}
	c.cfg.TrajMaxAccel = v
	return nil
}

func (c *Controller) SetTrajMaxDecel(v float32) error {
	if err := positive("traj_max_decel", v); err != nil {
		return err
	}
	c.cfg.TrajMaxDecel = v
	return nil
}

// PlanMoveTo plans a trapezoidal move to a user frame target and switches
// to trajectory mode.
func (c *Controller) PlanMoveTo(target float32) error {
	if c.state != StateClosedLoop {
		return ErrNotClosedLoop
	}
	return c.planTo(c.userFrame.Inverse().Apply(target))
}

func (c *Controller) planTo(sensorTarget float32) error {
	p, err := planner.PlanTrapezoidal(c.posSetpoint, c.velRamped, sensorTarget,
		c.cfg.TrajMaxVel, c.cfg.TrajMaxAccel, c.cfg.TrajMaxDecel)
	if err != nil {
		return err
	}
	c.plan = p
	c.trajTime = 0
	c.mode = ModeTrajectory
	return nil
}
