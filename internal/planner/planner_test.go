package planner

import (
	"errors"
	"math"
	"testing"
)

func near(a, b, tol float32) bool { return math.Abs(float64(a-b)) <= float64(tol) }

func TestInvalidInputs(t *testing.T) {
	tests := []struct {
		name                   string
		p0, v0, p1, vm, am, dm float32
	}{
		{"zero vmax", 0, 0, 10, 0, 1, 1},
		{"neg accel", 0, 0, 10, 1, -1, 1},
		{"zero decel", 0, 0, 10, 1, 1, 0},
		{"moving away", 0, -5, 10, 10, 10, 10},
		{"cannot stop", 0, 100, 1, 200, 10, 10},
		{"moving at target", 5, 1, 5, 10, 10, 10},
	}
	for _, tc := range tests {
		if _, err := PlanTrapezoidal(tc.p0, tc.v0, tc.p1, tc.vm, tc.am, tc.dm); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestTrapezoidWithCruise(t *testing.T) {
	p, err := PlanTrapezoidal(0, 0, 100, 10, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	// 2s ramp (10 units), 8s cruise (80 units), 2s ramp.
	if !near(p.Duration(), 12, 1e-4) {
		t.Fatalf("duration=%v", p.Duration())
	}
	pos, vel, done := p.Evaluate(1)
	if !near(pos, 2.5, 1e-4) || !near(vel, 5, 1e-4) || done {
		t.Fatalf("t=1: %v %v %v", pos, vel, done)
	}
	pos, vel, _ = p.Evaluate(6)
	if !near(pos, 50, 1e-3) || !near(vel, 10, 1e-4) {
		t.Fatalf("t=6: %v %v", pos, vel)
	}
	pos, vel, done = p.Evaluate(13)
	if pos != 100 || vel != 0 || !done {
		t.Fatalf("t=13: %v %v %v", pos, vel, done)
	}
}

func TestTriangleNegativeDirection(t *testing.T) {
	p, err := PlanTrapezoidal(10, 0, 0, 100, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	// Peak speed sqrt(10*10) = 10 reached at t=1 halfway.
	if !near(p.Duration(), 2, 1e-4) {
		t.Fatalf("duration=%v", p.Duration())
	}
	pos, vel, _ := p.Evaluate(1)
	if !near(pos, 5, 1e-3) || !near(vel, -10, 1e-3) {
		t.Fatalf("mid: %v %v", pos, vel)
	}
}

func TestInitialVelocityAboveLimit(t *testing.T) {
	p, err := PlanTrapezoidal(0, 20, 1000, 10, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	_, vel, _ := p.Evaluate(0)
	if !near(vel, 20, 1e-4) {
		t.Fatalf("start vel=%v", vel)
	}
	_, vel, _ = p.Evaluate(3)
	if !near(vel, 10, 1e-4) {
		t.Fatalf("vel after slowing=%v", vel)
	}
}

// Position along the plan is continuous and monotonic toward the target.
func TestProfileMonotonic(t *testing.T) {
	p, err := PlanTrapezoidal(-3, 1, 42, 7, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	prev := float32(-3)
	for ti := float32(0); ti < p.Duration()+0.5; ti += 0.001 {
		pos, _, _ := p.Evaluate(ti)
		if pos < prev-1e-4 {
			t.Fatalf("t=%v: went backwards %v -> %v", ti, prev, pos)
		}
		if pos-prev > 0.01 {
			t.Fatalf("t=%v: jump %v -> %v", ti, prev, pos)
		}
		prev = pos
	}
	if prev != 42 {
		t.Fatalf("final %v", prev)
	}
}

func TestZeroDistance(t *testing.T) {
	p, err := PlanTrapezoidal(3, 0, 3, 1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, done := p.Evaluate(0); !done {
		t.Fatalf("empty move should be done immediately")
	}
}
