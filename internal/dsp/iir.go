package dsp

import "math"

// IIR2P2Z is a second-order biquad filter in direct form I:
//
//	y = b0*x + b1*x1 + b2*x2 - a1*y1 - a2*y2
//
// The output is saturated to [min,max] before being stored as the previous
// output, so the recursion never feeds back an out-of-range value.
type IIR2P2Z struct {
	b0, b1, b2 float32
	a1, a2     float32
	max, min   float32

	x1, x2 float32
	y1, y2 float32

	in  *float32
	out *float32
}

func NewIIR2P2Z(b0, b1, b2, a1, a2, max, min float32, in, out *float32) *IIR2P2Z {
	return &IIR2P2Z{
		b0: b0, b1: b1, b2: b2, a1: a1, a2: a2,
		max: max, min: min, in: in, out: out,
	}
}

// NewNotch2P2Z builds a constrained-notch biquad rejecting fcut with pole
// radius alpha (0 < alpha < 1; closer to 1 means narrower). The numerator
// is scaled for unity DC gain so the filter is transparent to the
// regulated quantity.
func NewNotch2P2Z(alpha, fcut, fs, max, min float32, in, out *float32) *IIR2P2Z {
	if fcut <= 0 {
		// Degenerate configuration: pass through.
		return NewIIR2P2Z(1, 0, 0, 0, 0, max, min, in, out)
	}

	c := float32(math.Cos(2 * math.Pi * float64(fcut) / float64(fs)))

	b0 := float32(1)
	b1 := -2 * c
	b2 := float32(1)
	a1 := -2 * alpha * c
	a2 := alpha * alpha

	k := (1 + a1 + a2) / (b0 + b1 + b2)

	return NewIIR2P2Z(k*b0, k*b1, k*b2, a1, a2, max, min, in, out)
}

func (f *IIR2P2Z) Run() {
	x := *f.in

	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	y = Saturate(y, f.max, f.min)

	f.x2 = f.x1
	f.x1 = x
	f.y2 = f.y1
	f.y1 = y

	*f.out = y
}

func (f *IIR2P2Z) Reset() {
	f.x1, f.x2 = 0, 0
	f.y1, f.y2 = 0, 0
	*f.out = 0
}
