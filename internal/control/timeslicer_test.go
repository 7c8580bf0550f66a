package control

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTimeSlicerFiresEveryNth(t *testing.T) {
	ts := NewTimeSlicer(4)

	var hits int
	for i := 0; i < 12; i++ {
		if ts.Tick() {
			hits++
		}
	}
	assert.Equal(t, 3, hits)
}

func TestTimeSlicerDivisorOneFiresAlways(t *testing.T) {
	ts := NewTimeSlicer(1)

	for i := 0; i < 5; i++ {
		assert.True(t, ts.Tick())
	}
}

func TestTimeSlicerReconfigureResetsPhase(t *testing.T) {
	ts := NewTimeSlicer(4)

	ts.Tick()
	ts.Tick()
	ts.Tick()

	// One tick away from firing; reconfigure must restart the count.
	ts.Reconfigure(4)
	assert.False(t, ts.Tick())
	assert.False(t, ts.Tick())
	assert.False(t, ts.Tick())
	assert.True(t, ts.Tick())
}

func TestTimeSlicersAreIndependent(t *testing.T) {
	a := NewTimeSlicer(2)
	b := NewTimeSlicer(3)

	var hitsA, hitsB int
	for i := 0; i < 6; i++ {
		if a.Tick() {
			hitsA++
		}
		if b.Tick() {
			hitsB++
		}
	}
	assert.Equal(t, 3, hitsA)
	assert.Equal(t, 2, hitsB)
}

func TestDecimation(t *testing.T) {
	assert.Equal(t, 4, Decimation(4000, 1000))
	assert.Equal(t, 1, Decimation(1000, 1000))
	assert.Equal(t, 3, Decimation(1000, 350))
	assert.Equal(t, 1, Decimation(1000, 0))
	assert.Equal(t, 1, Decimation(1000, 5000))
}

func TestLoopTicksAtSamplingRate(t *testing.T) {
	mock := clock.NewMock()

	var cycles atomic.Int64
	loop := NewLoop("test", 1000, func() { cycles.Add(1) }, mock, zap.NewNop())

	require.NoError(t, loop.Start())
	defer loop.Stop()

	// Let the goroutine park on the ticker before advancing.
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 10; i++ {
		mock.Add(time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return cycles.Load() == 10
	}, time.Second, time.Millisecond)
}

func TestLoopDoubleStartIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	loop := NewLoop("test", 100, func() {}, mock, zap.NewNop())

	require.NoError(t, loop.Start())
	require.NoError(t, loop.Start())
	assert.True(t, loop.IsRunning())

	loop.Stop()
	loop.Stop()
	assert.False(t, loop.IsRunning())
}
