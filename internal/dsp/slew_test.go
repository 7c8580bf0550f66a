package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlewLimitsRisingStep(t *testing.T) {
	var in, out float32

	// 10 units/s at 10 Hz: at most 1 unit per cycle.
	s := NewSlewLimiter(10, 10, &in, &out)

	in = 5
	want := []float32{1, 2, 3, 4, 5, 5}
	for _, w := range want {
		s.Run()
		assert.Equal(t, w, out)
	}
}

func TestSlewLimitsFallingStep(t *testing.T) {
	var in, out float32

	s := NewSlewLimiter(10, 10, &in, &out)

	in = -2.5
	want := []float32{-1, -2, -2.5, -2.5}
	for _, w := range want {
		s.Run()
		assert.Equal(t, w, out)
	}
}

func TestSlewSmallChangesPassUnmodified(t *testing.T) {
	var in, out float32

	s := NewSlewLimiter(10, 10, &in, &out)

	in = 0.5
	s.Run()
	assert.Equal(t, float32(0.5), out)

	in = 1.2
	s.Run()
	assert.Equal(t, float32(1.2), out)
}

func TestSlewBypassTracksWithoutLimiting(t *testing.T) {
	var in, out float32

	s := NewSlewLimiter(10, 10, &in, &out)

	in = 50
	s.RunBypass()
	assert.Equal(t, float32(50), out)

	// Back in limited mode the ramp continues from the tracked value.
	in = 100
	s.Run()
	assert.Equal(t, float32(51), out)
}

func TestSlewDisabledRateActsAsPassThrough(t *testing.T) {
	var in, out float32

	s := NewSlewLimiter(0, 10, &in, &out)

	in = 50
	s.Run()
	assert.Equal(t, float32(50), out)

	in = -75
	s.Run()
	assert.Equal(t, float32(-75), out)
}

func TestSlewRampsFromExternallyClampedOutput(t *testing.T) {
	var in, out float32

	s := NewSlewLimiter(10, 10, &in, &out)

	in = 100
	for i := 0; i < 20; i++ {
		s.Run()
		if out > 4 {
			out = 4
		}
	}
	assert.Equal(t, float32(4), out)

	// The ramp resumes from the clamped value, not from an internal
	// accumulator that kept winding toward the input.
	in = 0
	s.Run()
	assert.Equal(t, float32(3), out)
}

func TestSlewReset(t *testing.T) {
	var in, out float32

	s := NewSlewLimiter(10, 10, &in, &out)

	in = 5
	s.Run()
	s.Run()

	s.Reset()
	assert.Equal(t, float32(0), out)

	in = 0.25
	s.Run()
	assert.Equal(t, float32(0.25), out)
}
