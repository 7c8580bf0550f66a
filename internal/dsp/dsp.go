// Package dsp provides the building blocks of the control pipeline: error
// computer, PI controller with anti-windup, biquad IIR filter with a notch
// specialization, and slew-rate limiter.
//
// Stages exchange values through non-owning *float32 references wired once
// at build time. A stage owns its coefficients and internal state; it never
// owns the signals it connects. Run never allocates and never fails:
// numeric overflow is handled by saturation, not error signaling.
package dsp

// Stage is the common contract of every pipeline element. Reset clears
// internal state and forces the output to zero without touching
// configuration.
type Stage interface {
	Run()
	Reset()
}

// Saturate clamps v into [min, max].
func Saturate(v, max, min float32) float32 {
	if v > max {
		return max
	}
	if v < min {
		return min
	}
	return v
}
