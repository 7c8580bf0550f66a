package wfmref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func play(p *Player, out *float32, n int) []float32 {
	samples := make([]float32, 0, n)
	for i := 0; i < n; i++ {
		p.Run()
		samples = append(samples, *out)
	}
	return samples
}

func TestSampleBySamplePlaysAndHoldsLast(t *testing.T) {
	var out float32
	p := NewPlayer([][]float32{{1, 2, 3}}, &out)

	assert.Equal(t, []float32{1, 2, 3, 3, 3}, play(p, &out, 5))
}

func TestSampleBySampleSyncRestarts(t *testing.T) {
	var out float32
	p := NewPlayer([][]float32{{1, 2, 3}}, &out)

	play(p, &out, 4)
	p.Sync()
	assert.Equal(t, []float32{1, 2, 3}, play(p, &out, 3))
}

func TestOneCycleIgnoresSync(t *testing.T) {
	var out float32
	p := NewPlayer([][]float32{{1, 2, 3}}, &out)
	p.SetSyncMode(SampleBySampleOneCycle)

	play(p, &out, 3)
	p.Sync()
	assert.Equal(t, []float32{3, 3}, play(p, &out, 2))
}

func TestOneShotRestsUntilSync(t *testing.T) {
	var out float32
	p := NewPlayer([][]float32{{1, 2, 3}}, &out)
	p.SetSyncMode(OneShot)

	assert.Equal(t, []float32{1, 1, 1}, play(p, &out, 3), "rests on first sample")

	p.Sync()
	assert.Equal(t, []float32{1, 2, 3, 3}, play(p, &out, 4), "plays once and holds")

	p.Sync()
	assert.Equal(t, []float32{1, 2}, play(p, &out, 2), "every edge replays")
}

func TestGainAndOffsetApplied(t *testing.T) {
	var out float32
	p := NewPlayer([][]float32{{1, 2, 3}}, &out)
	p.SetGain(2)
	p.SetOffset(10)

	assert.Equal(t, []float32{12, 14, 16}, play(p, &out, 3))
}

func TestSelectFallsBackToFirstTable(t *testing.T) {
	var out float32
	p := NewPlayer([][]float32{{1, 2}, {5, 6}}, &out)

	p.Select(1)
	assert.Equal(t, 1, p.Selected())
	assert.Equal(t, []float32{5, 6}, play(p, &out, 2))

	p.Select(7)
	assert.Equal(t, 0, p.Selected())
	assert.Equal(t, []float32{1, 2}, play(p, &out, 2))
}

func TestSelectRewinds(t *testing.T) {
	var out float32
	p := NewPlayer([][]float32{{1, 2, 3}}, &out)

	play(p, &out, 2)
	p.Select(0)
	assert.Equal(t, []float32{1}, play(p, &out, 1))
}

func TestSetTableReplacesAndAppends(t *testing.T) {
	var out float32
	p := NewPlayer([][]float32{{1, 2}}, &out)

	require.NoError(t, p.SetTable(0, []float32{9, 8}))
	assert.Equal(t, []float32{9, 8}, play(p, &out, 2))

	require.NoError(t, p.SetTable(1, []float32{4}))
	assert.Equal(t, 2, p.NumTables())
	p.Select(1)
	assert.Equal(t, []float32{4}, play(p, &out, 1))

	assert.Error(t, p.SetTable(5, []float32{1}))
	assert.Error(t, p.SetTable(0, nil))
}

func TestEmptyTablesDegradeToZero(t *testing.T) {
	var out float32
	p := NewPlayer(nil, &out)
	p.SetOffset(3)

	assert.Equal(t, []float32{3, 3}, play(p, &out, 2))
}
