package controller

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrInvalidValue is returned by setters for physically meaningless input.
// The previous value stays in effect.
var ErrInvalidValue = errors.New("controller: invalid value")

// HomingConfig parameterises the end-stop search. Distances are in sensor
// ticks, velocities in ticks/s, times in seconds.
type HomingConfig struct {
	Velocity        float32 `yaml:"velocity"`
	MaxHomingTime   float32 `yaml:"max_homing_time"`
	RetractDistance float32 `yaml:"retract_distance"`
	StallVelocity   float32 `yaml:"stall_velocity"`
	StallDelta      float32 `yaml:"stall_delta"`
	StallTime       float32 `yaml:"stall_time"`
}

// Config is the persisted controller tuning. Positions and velocities are
// in the sensor frame (ticks, ticks/s) unless noted.
type Config struct {
	PWMFrequency float32 `yaml:"pwm_frequency"`

	PosGain             float32 `yaml:"pos_gain"`
	VelGain             float32 `yaml:"vel_gain"`
	VelIntegralGain     float32 `yaml:"vel_integral_gain"`
	VelIntegralDeadband float32 `yaml:"vel_integral_deadband"`
	CurrentBandwidth    float32 `yaml:"current_bandwidth"`

	VelLimit         float32 `yaml:"vel_limit"`
	CurrentLimit     float32 `yaml:"current_limit"`
	VelRampIncrement float32 `yaml:"vel_ramp_increment"`
	PWMLimit         float32 `yaml:"pwm_limit"`

	FluxBraking     bool    `yaml:"flux_braking"`
	IRegenLimit     float32 `yaml:"i_regen_limit"`
	MaxBrakeCurrent float32 `yaml:"max_brake_current"`

	UndervoltageThreshold float32 `yaml:"undervoltage_threshold"`

	TrajMaxVel   float32 `yaml:"traj_max_vel"`
	TrajMaxAccel float32 `yaml:"traj_max_accel"`
	TrajMaxDecel float32 `yaml:"traj_max_decel"`

	// User frame: user = UserOffset + UserMultiplier*sensor.
	UserOffset     float32 `yaml:"user_offset"`
	UserMultiplier float32 `yaml:"user_multiplier"`

	Homing HomingConfig `yaml:"homing"`
}

func DefaultConfig() Config {
	return Config{
		PWMFrequency:          20000,
		PosGain:               20,
		VelGain:               2e-3,
		VelIntegralGain:       0.1,
		VelIntegralDeadband:   10,
		CurrentBandwidth:      1000,
		VelLimit:              100000,
		CurrentLimit:          10,
		VelRampIncrement:      0,
		PWMLimit:              0.8,
		IRegenLimit:           10,
		MaxBrakeCurrent:       5,
		UndervoltageThreshold: 6,
		TrajMaxVel:            50000,
		TrajMaxAccel:          100000,
		TrajMaxDecel:          100000,
		UserMultiplier:        1,
		Homing: HomingConfig{
			Velocity:        -8000,
			MaxHomingTime:   20,
			RetractDistance: 1000,
			StallVelocity:   1000,
			StallDelta:      800,
			StallTime:       0.1,
		},
	}
}

func invalid(name string, v float32) error {
	return fmt.Errorf("%w: %s=%g", ErrInvalidValue, name, v)
}

func positive(name string, v float32) error {
	if !(v > 0) {
		return invalid(name, v)
	}
	return nil
}

func nonNegative(name string, v float32) error {
	if !(v >= 0) {
		return invalid(name, v)
	}
	return nil
}

// Validate reports every invalid field joined into one error.
func (c Config) Validate() error {
	checks := []error{
		positive("pwm_frequency", c.PWMFrequency),
		nonNegative("pos_gain", c.PosGain),
		nonNegative("vel_gain", c.VelGain),
		nonNegative("vel_integral_gain", c.VelIntegralGain),
		nonNegative("vel_integral_deadband", c.VelIntegralDeadband),
		positive("current_bandwidth", c.CurrentBandwidth),
		positive("vel_limit", c.VelLimit),
		positive("current_limit", c.CurrentLimit),
		nonNegative("vel_ramp_increment", c.VelRampIncrement),
		nonNegative("i_regen_limit", c.IRegenLimit),
		nonNegative("max_brake_current", c.MaxBrakeCurrent),
		nonNegative("undervoltage_threshold", c.UndervoltageThreshold),
		positive("traj_max_vel", c.TrajMaxVel),
		positive("traj_max_accel", c.TrajMaxAccel),
		positive("traj_max_decel", c.TrajMaxDecel),
		positive("homing.max_homing_time", c.Homing.MaxHomingTime),
		nonNegative("homing.retract_distance", c.Homing.RetractDistance),
		positive("homing.stall_velocity", c.Homing.StallVelocity),
		positive("homing.stall_delta", c.Homing.StallDelta),
		positive("homing.stall_time", c.Homing.StallTime),
	}
	if !(c.PWMLimit > 0 && c.PWMLimit <= 1) {
		checks = append(checks, invalid("pwm_limit", c.PWMLimit))
	}
	if c.UserMultiplier == 0 {
		checks = append(checks, invalid("user_multiplier", c.UserMultiplier))
	}
	if c.Homing.Velocity == 0 {
		checks = append(checks, invalid("homing.velocity", c.Homing.Velocity))
	}
	return multierr.Combine(checks...)
}
