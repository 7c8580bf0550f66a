package dsp

// SlewLimiter bounds the per-cycle change of a signal to maxSlew/fs.
// The ramp state lives in the output cell itself, so a caller that
// saturates the output in place between cycles also bounds the state
// the next ramp step starts from.
type SlewLimiter struct {
	step float32

	in  *float32
	out *float32
}

// NewSlewLimiter configures a limiter for maxSlew units per second at
// sampling frequency fs. A non-positive maxSlew disables limiting and
// the stage degenerates to a pass-through.
func NewSlewLimiter(maxSlew, fs float32, in, out *float32) *SlewLimiter {
	return &SlewLimiter{step: maxSlew / fs, in: in, out: out}
}

func (s *SlewLimiter) Run() {
	if s.step <= 0 {
		s.RunBypass()
		return
	}
	d := *s.in - *s.out
	if d > s.step {
		d = s.step
	} else if d < -s.step {
		d = -s.step
	}
	*s.out += d
}

// RunBypass forwards the input unchanged.
func (s *SlewLimiter) RunBypass() {
	*s.out = *s.in
}

func (s *SlewLimiter) Reset() {
	*s.out = 0
}
