// Package fmath holds the float32 helpers shared by the control core.
// Everything here is allocation free and safe to call from the PWM tick.
package fmath

import "math"

const (
	Pi       = float32(math.Pi)
	TwoPi    = 2 * Pi
	HalfPi   = Pi / 2
	Sqrt3    = float32(1.7320508075688772)
	InvSqrt3 = 1 / Sqrt3
)

// FastSin approximates sin(x) with a corrected parabola; max abs error ~1e-3.
func FastSin(x float32) float32 {
	x = WrapMinMax(x, -Pi, Pi)
	const (
		b = 4 / Pi
		c = -4 / (Pi * Pi)
		p = 0.225
	)
	y := b*x + c*x*Abs(x)
	return p*(y*Abs(y)-y) + y
}

// FastCos approximates cos(x) via FastSin.
func FastCos(x float32) float32 { return FastSin(x + HalfPi) }

// FastSinCos returns both approximations.
func FastSinCos(x float32) (s, c float32) { return FastSin(x), FastCos(x) }

// FastInvSqrt is the classic bit-trick reciprocal square root with one Newton step.
func FastInvSqrt(x float32) float32 {
	half := 0.5 * x
	i := math.Float32bits(x)
	i = 0x5f3759df - i>>1
	y := math.Float32frombits(i)
	return y * (1.5 - half*y*y)
}

func Abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

// Sign returns -1, 0 or 1.
func Sign(x float32) float32 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func Clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ClampSym clamps x to [-limit, limit].
func ClampSym(x, limit float32) float32 { return Clamp(x, -limit, limit) }

// WrapMinMax wraps x into [min, max).
func WrapMinMax(x, min, max float32) float32 {
	span := max - min
	if x >= min && x < max {
		return x
	}
	r := float32(math.Mod(float64(x-min), float64(span)))
	if r < 0 {
		r += span
	}
	v := r + min
	if v >= max {
		v = min
	}
	return v
}

// Wrap2Pi wraps an angle into [0, 2π).
func Wrap2Pi(x float32) float32 { return WrapMinMax(x, 0, TwoPi) }

// Round returns the nearest integer value as float32.
func Round(x float32) float32 { return float32(math.Round(float64(x))) }

func Sqrt(x float32) float32 { return float32(math.Sqrt(float64(x))) }
