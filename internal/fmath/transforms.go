package fmath

// Clarke maps three phase quantities into the stationary alpha/beta frame
// (amplitude invariant).
func Clarke(a, b, c float32) (alpha, beta float32) {
	alpha = (2*a - b - c) / 3
	beta = (b - c) * InvSqrt3
	return alpha, beta
}

// InvClarke is the inverse of Clarke for a balanced system.
func InvClarke(alpha, beta float32) (a, b, c float32) {
	a = alpha
	b = -0.5*alpha + 0.5*Sqrt3*beta
	c = -0.5*alpha - 0.5*Sqrt3*beta
	return a, b, c
}

// Park rotates alpha/beta into the rotor frame given sin/cos of the electrical angle.
func Park(alpha, beta, s, c float32) (d, q float32) {
	d = alpha*c + beta*s
	q = -alpha*s + beta*c
	return d, q
}

// InvPark rotates d/q back into the stationary frame.
func InvPark(d, q, s, c float32) (alpha, beta float32) {
	alpha = d*c - q*s
	beta = d*s + q*c
	return alpha, beta
}

// SVM converts a modulation vector (volts / Vbus) into three duty cycles
// using min/max zero-sequence injection. The linear range is |m| <= 1/sqrt(3);
// ok is false when any duty had to be clamped.
func SVM(alpha, beta float32) (da, db, dc float32, ok bool) {
	va, vb, vc := InvClarke(alpha, beta)
	hi, lo := va, va
	for _, v := range [...]float32{vb, vc} {
		if v > hi {
			hi = v
		}
		if v < lo {
			lo = v
		}
	}
	mid := (hi + lo) / 2
	da = 0.5 + va - mid
	db = 0.5 + vb - mid
	dc = 0.5 + vc - mid
	ok = true
	for _, d := range [...]float32{da, db, dc} {
		if d < 0 || d > 1 {
			ok = false
		}
	}
	return Clamp(da, 0, 1), Clamp(db, 0, 1), Clamp(dc, 0, 1), ok
}
