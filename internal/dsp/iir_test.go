package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIIRMatchesDifferenceEquation(t *testing.T) {
	var in, out float32

	b0, b1, b2 := float32(0.2), float32(0.3), float32(0.1)
	a1, a2 := float32(-0.5), float32(0.25)

	f := NewIIR2P2Z(b0, b1, b2, a1, a2, 1e9, -1e9, &in, &out)

	inputs := []float32{1, 0.5, -0.25, 2, -1, 0, 0.75}

	var x1, x2, y1, y2 float32
	for _, x := range inputs {
		in = x
		f.Run()

		want := b0*x + b1*x1 + b2*x2 - a1*y1 - a2*y2
		assert.InDelta(t, float64(want), float64(out), 1e-5)

		x2, x1 = x1, x
		y2, y1 = y1, want
	}
}

func TestIIRSaturatedOutputFeedsRecursion(t *testing.T) {
	var in, out float32

	// y = 10*x saturated to 1; with a1 = -1 the next output equals the
	// stored previous output, which must be the clamped value.
	f := NewIIR2P2Z(10, 0, 0, -1, 0, 1, -1, &in, &out)

	in = 1
	f.Run()
	assert.Equal(t, float32(1), out)

	in = 0
	f.Run()
	assert.Equal(t, float32(1), out)
}

func TestIIRReset(t *testing.T) {
	var in, out float32

	f := NewIIR2P2Z(1, 1, 1, -0.5, 0, 100, -100, &in, &out)

	in = 3
	f.Run()
	f.Run()
	require.NotEqual(t, float32(0), out)

	f.Reset()
	assert.Equal(t, float32(0), out)

	in = 0
	f.Run()
	assert.Equal(t, float32(0), out)
}

func TestNotchUnityDCGain(t *testing.T) {
	var in, out float32

	f := NewNotch2P2Z(0.99, 2, 1000, 1e9, -1e9, &in, &out)

	in = 1
	for i := 0; i < 5000; i++ {
		f.Run()
	}
	assert.InDelta(t, 1.0, float64(out), 1e-3)
}

func TestNotchRejectsTunedFrequency(t *testing.T) {
	var in, out float32

	const fs, fcut = 1000.0, 2.0

	f := NewNotch2P2Z(0.99, fcut, fs, 1e9, -1e9, &in, &out)

	// Let the transient decay, then measure the residual over one period.
	var peak float64
	for i := 0; i < 5000; i++ {
		in = float32(math.Sin(2 * math.Pi * fcut * float64(i) / fs))
		f.Run()
		if i >= 4500 {
			if a := math.Abs(float64(out)); a > peak {
				peak = a
			}
		}
	}
	assert.Less(t, peak, 0.05)
}

func TestNotchDegenerateFrequencyPassesThrough(t *testing.T) {
	var in, out float32

	f := NewNotch2P2Z(0.99, 0, 1000, 1e9, -1e9, &in, &out)

	in = 0.7
	f.Run()
	assert.Equal(t, float32(0.7), out)
}
