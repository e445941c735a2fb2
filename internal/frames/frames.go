// Package frames implements the affine maps used to move positions between
// the user, sensor and motor electrical frames.
package frames

// Transform maps x to Offset + Multiplier*x.
type Transform struct {
	Offset     float32
	Multiplier float32
}

// Identity leaves values unchanged.
var Identity = Transform{Offset: 0, Multiplier: 1}

// Apply maps a position.
func (t Transform) Apply(x float32) float32 { return t.Offset + t.Multiplier*x }

// ApplyDerivative maps a rate (velocity, acceleration); offsets do not apply.
func (t Transform) ApplyDerivative(v float32) float32 { return t.Multiplier * v }

// Inverse returns the reverse mapping. A zero multiplier yields Identity.
func (t Transform) Inverse() Transform {
	if t.Multiplier == 0 {
		return Identity
	}
	return Transform{Offset: -t.Offset / t.Multiplier, Multiplier: 1 / t.Multiplier}
}

// Compose returns outer∘inner: inner is applied first.
func Compose(outer, inner Transform) Transform {
	return Transform{
		Offset:     outer.Offset + outer.Multiplier*inner.Offset,
		Multiplier: outer.Multiplier * inner.Multiplier,
	}
}
