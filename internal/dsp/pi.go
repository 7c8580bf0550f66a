package dsp

// PI is a proportional-integral controller with dynamic-clamp anti-windup.
// The proportional term is saturated to [min,max] first; the integrator is
// then clamped to the remaining headroom [min-prop, max-prop], so the sum
// always lies within [min,max] and the accumulator never grows beyond what
// the boundary value requires.
type PI struct {
	kp  float32
	ki  float32
	dt  float32
	max float32
	min float32

	integral float32

	in  *float32
	out *float32
}

// NewPI configures a PI stage. ki is the continuous-time integral gain;
// fs is the sampling frequency the stage runs at.
func NewPI(kp, ki, fs, max, min float32, in, out *float32) *PI {
	return &PI{kp: kp, ki: ki, dt: 1 / fs, max: max, min: min, in: in, out: out}
}

func (p *PI) Run() {
	e := *p.in

	prop := Saturate(p.kp*e, p.max, p.min)

	dynMax := p.max - prop
	if dynMax < 0 {
		dynMax = 0
	}
	dynMin := p.min - prop
	if dynMin > 0 {
		dynMin = 0
	}

	p.integral = Saturate(p.integral+p.ki*p.dt*e, dynMax, dynMin)

	*p.out = prop + p.integral
}

func (p *PI) Reset() {
	p.integral = 0
	*p.out = 0
}

// SetGains replaces kp/ki without disturbing the integrator. Intended for
// tuning from the background context between cycles.
func (p *PI) SetGains(kp, ki float32) {
	p.kp = kp
	p.ki = ki
}
