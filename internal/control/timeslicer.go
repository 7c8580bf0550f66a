// Package control hosts the fixed-rate execution machinery: the per-supply
// cycle loop and the time-slicers that derive sub-rates from it.
package control

import "math"

// TimeSlicer executes a guarded block once every N invocations of its host
// loop. Independent slicers (controller sub-rate, buffer sub-rate, share
// sub-rate) each keep their own counter and never share state.
type TimeSlicer struct {
	n       int
	counter int
}

func NewTimeSlicer(n int) *TimeSlicer {
	if n < 1 {
		n = 1
	}
	return &TimeSlicer{n: n}
}

// Tick advances the counter and reports whether the guarded block runs on
// this invocation. The counter resets to zero on every hit.
func (t *TimeSlicer) Tick() bool {
	t.counter++
	if t.counter >= t.n {
		t.counter = 0
		return true
	}
	return false
}

// Reconfigure installs a new divisor. The counter resets in the same call;
// reconfiguring without resetting would leave the slicer phase-shifted
// against its siblings.
func (t *TimeSlicer) Reconfigure(n int) {
	if n < 1 {
		n = 1
	}
	t.n = n
	t.counter = 0
}

func (t *TimeSlicer) Reset() {
	t.counter = 0
}

// Divisor returns the configured N.
func (t *TimeSlicer) Divisor() int {
	return t.n
}

// Decimation converts a sub-rate frequency into a slicer divisor for a
// host loop running at fs.
func Decimation(fs, subFs float64) int {
	if subFs <= 0 || fs <= 0 {
		return 1
	}
	d := int(math.Round(fs / subFs))
	if d < 1 {
		d = 1
	}
	return d
}
