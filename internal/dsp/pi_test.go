package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorComputesDifference(t *testing.T) {
	var plus, minus, out float32

	e := NewError(&plus, &minus, &out)

	plus, minus = 7.5, 2.5
	e.Run()
	assert.Equal(t, float32(5.0), out)

	minus = 10
	e.Run()
	assert.Equal(t, float32(-2.5), out)

	e.Reset()
	assert.Equal(t, float32(0), out)
}

func TestPIProportionalPath(t *testing.T) {
	var in, out float32

	pi := NewPI(2.0, 0, 1000, 10, -10, &in, &out)

	in = 0.3
	pi.Run()
	assert.InDelta(t, 0.6, float64(out), 1e-6)

	in = -0.3
	pi.Run()
	assert.InDelta(t, -0.6, float64(out), 1e-6)
}

func TestPIIntegratorRamp(t *testing.T) {
	var in, out float32

	// ki/fs = 1 per cycle, so a constant error of 0.1 adds 0.1 each run.
	pi := NewPI(0, 10, 10, 10, -10, &in, &out)

	in = 0.1
	for i := 0; i < 3; i++ {
		pi.Run()
	}
	assert.InDelta(t, 0.3, float64(out), 1e-5)
}

func TestPIAntiWindupHoldsOutputAtBound(t *testing.T) {
	var in, out float32

	pi := NewPI(1.0, 10, 10, 1, -1, &in, &out)

	in = 10
	for i := 0; i < 100; i++ {
		pi.Run()
		assert.Equal(t, float32(1), out)
	}
}

func TestPIAntiWindupRecoversImmediately(t *testing.T) {
	var in, out float32

	// Pure integrator saturated high for a long time must come off the
	// rail as soon as the error reverses, with no accumulated excess.
	pi := NewPI(0, 1, 1, 1, -1, &in, &out)

	in = 5
	for i := 0; i < 100; i++ {
		pi.Run()
	}
	assert.Equal(t, float32(1), out)

	in = -0.5
	pi.Run()
	assert.InDelta(t, 0.5, float64(out), 1e-6)
}

func TestPIOutputAlwaysWithinBounds(t *testing.T) {
	var in, out float32

	pi := NewPI(3.0, 50, 100, 0.9, -0.9, &in, &out)

	inputs := []float32{0, 5, -5, 100, -100, 0.01, -0.01, 42, -42}
	for i := 0; i < 500; i++ {
		in = inputs[i%len(inputs)]
		pi.Run()
		assert.LessOrEqual(t, out, float32(0.9))
		assert.GreaterOrEqual(t, out, float32(-0.9))
	}
}

func TestPIReset(t *testing.T) {
	var in, out float32

	pi := NewPI(1, 10, 10, 1, -1, &in, &out)

	in = 0.5
	pi.Run()
	pi.Run()
	assert.NotEqual(t, float32(0), out)

	pi.Reset()
	assert.Equal(t, float32(0), out)

	// State is gone: the next run starts from a clean integrator.
	in = 0.1
	pi.Run()
	assert.InDelta(t, 0.2, float64(out), 1e-5)
}
