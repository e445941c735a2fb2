// Package planner builds trapezoidal point-to-point motion profiles.
package planner

import (
	"errors"
	"math"
)

var ErrInvalidPlan = errors.New("planner: invalid plan")

// Plan is a trapezoidal velocity profile from P0 to P1. Segment times are in
// seconds; positions are in whatever unit the caller planned in.
type Plan struct {
	p0, p1 float32
	dir    float32

	v0     float32 // initial speed along dir
	cruise float32
	accel  float32 // magnitude of the first segment's rate
	up     bool    // first segment accelerates
	decel  float32

	t1, t2, t3 float32
	d1, d2     float32
}

// PlanTrapezoidal plans a move from p0 with initial velocity v0 to rest at
// p1, bounded by vmax, amax and dmax (all positive). Initial motion away from
// the target or an overshoot that cannot be braked in time is rejected.
func PlanTrapezoidal(p0, v0, p1, vmax, amax, dmax float32) (Plan, error) {
	if !(vmax > 0) || !(amax > 0) || !(dmax > 0) {
		return Plan{}, ErrInvalidPlan
	}
	dist := p1 - p0
	dir := float32(1)
	if dist < 0 {
		dir = -1
		dist = -dist
	}
	u0 := dir * v0
	if dist == 0 {
		if v0 != 0 {
			return Plan{}, ErrInvalidPlan
		}
		return Plan{p0: p0, p1: p1, dir: dir}, nil
	}
	if u0 < 0 || u0*u0/(2*dmax) > dist {
		return Plan{}, ErrInvalidPlan
	}

	p := Plan{p0: p0, p1: p1, dir: dir, v0: u0, decel: dmax}
	peak := float32(math.Sqrt(float64((dist + u0*u0/(2*amax)) / (1/(2*amax) + 1/(2*dmax)))))
	if peak > vmax {
		p.cruise = vmax
	} else {
		p.cruise = peak
	}
	p.up = p.cruise >= u0
	if p.up {
		p.accel = amax
	} else {
		p.accel = dmax
	}
	dv := p.cruise - u0
	if dv < 0 {
		dv = -dv
	}
	p.t1 = dv / p.accel
	p.d1 = (u0 + p.cruise) / 2 * p.t1
	p.t3 = p.cruise / dmax
	d3 := p.cruise * p.t3 / 2
	p.d2 = dist - p.d1 - d3
	if p.d2 < 0 {
		p.d2 = 0
	}
	if p.cruise > 0 {
		p.t2 = p.d2 / p.cruise
	}
	return p, nil
}

// Duration is the total move time.
func (p Plan) Duration() float32 { return p.t1 + p.t2 + p.t3 }

func (p Plan) Target() float32 { return p.p1 }

// Evaluate returns position and velocity at t seconds after the start; done
// is true once the move has finished.
func (p Plan) Evaluate(t float32) (pos, vel float32, done bool) {
	if t < 0 {
		t = 0
	}
	var x, u float32
	switch {
	case t < p.t1:
		a := p.accel
		if !p.up {
			a = -a
		}
		u = p.v0 + a*t
		x = p.v0*t + a*t*t/2
	case t < p.t1+p.t2:
		tau := t - p.t1
		u = p.cruise
		x = p.d1 + p.cruise*tau
	case t < p.Duration():
		tau := t - p.t1 - p.t2
		u = p.cruise - p.decel*tau
		x = p.d1 + p.d2 + p.cruise*tau - p.decel*tau*tau/2
	default:
		return p.p1, 0, true
	}
	return p.p0 + p.dir*x, p.dir * u, false
}
