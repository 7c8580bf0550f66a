package params

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatSlotRoundTrip(t *testing.T) {
	b := NewBank()
	freq := [1]float32{}
	b.RegisterFloat(SigGenFreq, freq[:])

	assert.True(t, b.Set(SigGenFreq, 0, 2.5))
	assert.Equal(t, float32(2.5), b.Get(SigGenFreq, 0))
	assert.Equal(t, float32(2.5), freq[0], "writes land in caller storage")

	freq[0] = 7
	assert.Equal(t, float32(7), b.Get(SigGenFreq, 0), "reads see caller writes")
}

func TestIntegerSlotsTruncate(t *testing.T) {
	b := NewBank()
	typ := [1]uint16{}
	cycles := [1]uint32{}
	b.RegisterUint16(SigGenType, typ[:])
	b.RegisterUint32(SigGenNumCycles, cycles[:])

	require.True(t, b.Set(SigGenType, 0, 2.9))
	require.True(t, b.Set(SigGenNumCycles, 0, 100000.7))

	assert.Equal(t, uint16(2), typ[0])
	assert.Equal(t, uint32(100000), cycles[0])
	assert.Equal(t, float32(2), b.Get(SigGenType, 0))
	assert.Equal(t, float32(100000), b.Get(SigGenNumCycles, 0))
}

func TestMultiElementSlot(t *testing.T) {
	b := NewBank()
	aux := [4]float32{}
	b.RegisterFloat(SigGenAuxParam, aux[:])

	assert.Equal(t, 4, b.Count(SigGenAuxParam))
	for i := 0; i < 4; i++ {
		require.True(t, b.Set(SigGenAuxParam, i, float32(i)*1.5))
	}
	assert.Equal(t, [4]float32{0, 1.5, 3, 4.5}, aux)

	assert.False(t, b.Set(SigGenAuxParam, 4, 1))
	assert.True(t, math.IsNaN(float64(b.Get(SigGenAuxParam, 4))))
}

func TestUnregisteredAndUnknownSlots(t *testing.T) {
	b := NewBank()

	assert.True(t, math.IsNaN(float64(b.Get(WfmRefGain, 0))))
	assert.False(t, b.Set(WfmRefGain, 0, 1))
	assert.Zero(t, b.Count(WfmRefGain))

	assert.True(t, math.IsNaN(float64(b.Get(ID(-1), 0))))
	assert.True(t, math.IsNaN(float64(b.Get(ID(999), 0))))
	assert.False(t, b.Set(ID(999), 0, 1))
	assert.True(t, math.IsNaN(float64(b.Get(SigGenFreq, -1))))
}

func TestRegisterIgnoresEmptyBacking(t *testing.T) {
	b := NewBank()
	b.RegisterFloat(SigGenFreq, nil)

	assert.Zero(t, b.Count(SigGenFreq))
	assert.False(t, b.Set(SigGenFreq, 0, 1))
}

func TestParseIDRoundTrip(t *testing.T) {
	for _, id := range IDs() {
		parsed, err := ParseID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}

	_, err := ParseID("siggen_phase")
	assert.Error(t, err)
}
