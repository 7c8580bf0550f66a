// Package scope captures a decimated window of one wired control
// signal per supply. The control context fills fixed frames and ships
// them through a non-blocking channel; buffers travel with the frames
// and come back through Recycle, so the capture path never allocates
// and never writes a buffer a consumer may still hold.
package scope

import (
	"github.com/opensupply/OpenSupplyCore/internal/control"
)

// Frame is one full capture window.
type Frame struct {
	Signal  string    `json:"signal"`
	Seq     uint64    `json:"seq"`
	Samples []float32 `json:"samples"`
}

// Scope decimates and frames a signal. Run, SetSource and Reset are
// control-context methods; Frames and Recycle belong to the consumer.
type Scope struct {
	slicer *control.TimeSlicer
	signal string
	src    *float32

	buf    []float32
	n      int
	seq    uint64
	free   chan []float32
	frames chan Frame
}

// New wires a scope on src with the given frame size and decimation
// against the control rate. Three buffers rotate through fill,
// in-flight and consumer hands.
func New(signal string, src *float32, frameSize, decimation int) *Scope {
	if frameSize < 1 {
		frameSize = 1
	}
	s := &Scope{
		slicer: control.NewTimeSlicer(decimation),
		signal: signal,
		src:    src,
		buf:    make([]float32, frameSize),
		free:   make(chan []float32, 2),
		frames: make(chan Frame, 1),
	}
	s.free <- make([]float32, frameSize)
	s.free <- make([]float32, frameSize)
	return s
}

// Run appends the current sample when the decimation slicer fires and
// ships the frame once full. A full frame is dropped instead of
// shipped when every spare buffer is still in consumer hands.
func (s *Scope) Run() {
	if !s.slicer.Tick() {
		return
	}
	s.buf[s.n] = *s.src
	s.n++
	if s.n < len(s.buf) {
		return
	}
	s.n = 0

	select {
	case next := <-s.free:
		s.seq++
		s.ship(Frame{Signal: s.signal, Seq: s.seq, Samples: s.buf})
		s.buf = next[:cap(next)]
	default:
	}
}

// ship never blocks: a stale in-flight frame is reclaimed into the
// free pool to make room for the fresh one.
func (s *Scope) ship(f Frame) {
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case old := <-s.frames:
		s.reclaim(old.Samples)
	default:
	}
	select {
	case s.frames <- f:
	default:
		s.reclaim(f.Samples)
	}
}

func (s *Scope) reclaim(buf []float32) {
	select {
	case s.free <- buf:
	default:
	}
}

// Frames delivers full capture windows. Consumers must hand each
// frame back through Recycle once done with its samples.
func (s *Scope) Frames() <-chan Frame {
	return s.frames
}

// Recycle returns a delivered frame's buffer to the capture pool.
func (s *Scope) Recycle(f Frame) {
	if cap(f.Samples) != cap(s.buf) {
		return
	}
	s.reclaim(f.Samples)
}

// SetSource points the scope at another signal. The partial frame is
// discarded so a window never mixes sources.
func (s *Scope) SetSource(signal string, src *float32) {
	s.signal = signal
	s.src = src
	s.n = 0
	s.slicer.Reset()
}

// Reset drops the partial frame and restarts the decimation phase.
func (s *Scope) Reset() {
	s.n = 0
	s.slicer.Reset()
}

func (s *Scope) Signal() string  { return s.signal }
func (s *Scope) FrameSize() int  { return len(s.buf) }
func (s *Scope) Decimation() int { return s.slicer.Divisor() }
