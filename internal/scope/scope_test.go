package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Scope) Frame {
	t.Helper()
	select {
	case f := <-s.Frames():
		return f
	default:
		t.Fatal("no frame available")
		return Frame{}
	}
}

func TestCapturesAtDecimatedRate(t *testing.T) {
	var src float32
	s := New("i_load", &src, 4, 2)

	for i := 1; i <= 8; i++ {
		src = float32(i)
		s.Run()
	}

	f := receive(t, s)
	assert.Equal(t, "i_load", f.Signal)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, []float32{2, 4, 6, 8}, f.Samples)
}

func TestSequentialFramesWhenConsumerKeepsPace(t *testing.T) {
	var src float32
	s := New("v_capbank", &src, 2, 1)

	for want := uint64(1); want <= 10; want++ {
		src = float32(want)
		s.Run()
		s.Run()
		f := receive(t, s)
		assert.Equal(t, want, f.Seq)
		assert.Equal(t, []float32{float32(want), float32(want)}, f.Samples)
		s.Recycle(f)
	}
}

func TestLaggingConsumerSeesLatestFrame(t *testing.T) {
	var src float32
	s := New("duty", &src, 2, 1)

	for i := 1; i <= 3; i++ {
		src = float32(i)
		s.Run()
		s.Run()
	}

	f := receive(t, s)
	assert.Equal(t, uint64(3), f.Seq, "older in-flight frames are dropped")
	assert.Equal(t, []float32{3, 3}, f.Samples)
}

func TestCaptureSkipsFramesWhenBuffersNotRecycled(t *testing.T) {
	var src float32
	s := New("duty", &src, 2, 1)

	held := make([]Frame, 0, 2)
	for i := 1; i <= 2; i++ {
		src = float32(i)
		s.Run()
		s.Run()
		held = append(held, receive(t, s))
	}

	// Every spare buffer is in consumer hands now: the next full
	// frame must be dropped, not shipped, and the held samples must
	// stay intact.
	src = 9
	s.Run()
	s.Run()
	select {
	case <-s.Frames():
		t.Fatal("frame shipped without a free buffer")
	default:
	}
	assert.Equal(t, []float32{1, 1}, held[0].Samples)
	assert.Equal(t, []float32{2, 2}, held[1].Samples)

	// Recycling revives shipping.
	s.Recycle(held[0])
	src = 5
	s.Run()
	s.Run()
	f := receive(t, s)
	assert.Equal(t, []float32{5, 5}, f.Samples)
}

func TestSetSourceDropsPartialFrame(t *testing.T) {
	var a, b float32
	s := New("a", &a, 2, 1)

	a = 1
	s.Run()
	s.SetSource("b", &b)

	b = 7
	s.Run()
	b = 8
	s.Run()

	f := receive(t, s)
	assert.Equal(t, "b", f.Signal)
	assert.Equal(t, []float32{7, 8}, f.Samples)
}

func TestResetRestartsWindowAndPhase(t *testing.T) {
	var src float32
	s := New("x", &src, 2, 2)

	src = 1
	s.Run() // slicer counter 1, no capture
	s.Run() // captures 1
	s.Reset()

	src = 2
	s.Run()
	s.Run()
	src = 3
	s.Run()
	s.Run()

	f := receive(t, s)
	require.Equal(t, []float32{2, 3}, f.Samples)
}
