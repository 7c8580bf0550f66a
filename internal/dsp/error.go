package dsp

// Error computes the difference between two signals, typically a reference
// and a feedback measurement. It has no internal state.
type Error struct {
	plus  *float32
	minus *float32
	out   *float32
}

func NewError(plus, minus, out *float32) *Error {
	return &Error{plus: plus, minus: minus, out: out}
}

func (e *Error) Run() {
	*e.out = *e.plus - *e.minus
}

func (e *Error) Reset() {
	*e.out = 0
}
