// Package siggen implements the parametric waveform source feeding the
// Cycle operating mode: sine, damped sine and trapezoidal signals produced
// one sample per control cycle.
package siggen

import (
	"fmt"
	"math"
	"strings"
)

type Type uint16

const (
	Sine Type = iota
	DampedSine
	Trapezoidal
)

func (t Type) String() string {
	switch t {
	case Sine:
		return "sine"
	case DampedSine:
		return "damped_sine"
	case Trapezoidal:
		return "trapezoidal"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// TypeFromString resolves the profile/API spelling of a waveform type.
func TypeFromString(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "sine":
		return Sine, nil
	case "damped_sine", "dampedsine":
		return DampedSine, nil
	case "trapezoidal", "trapezoid":
		return Trapezoidal, nil
	default:
		return 0, fmt.Errorf("unknown signal type %q", s)
	}
}

// NumAuxParams is the size of the type-specific parameter block:
// sine family uses [start_phase_deg, end_phase_deg, damping_tau],
// trapezoids use [rise_s, plateau_s, fall_s].
const NumAuxParams = 4

const numAuxVars = 6

// Generator is a waveform source with a two-state lifecycle:
// Disabled -> (Configure) -> Disabled -> (Enable) -> Running ->
// (completion or Disable) -> Disabled. Configuration is only accepted
// while disabled so a running reference is never reshaped mid-cycle.
//
// The sample index and the aux variables are float32 on purpose: total
// lengths are fractional when phase corrections apply, and the firmware
// the timing constants were lifted from compares them in single precision.
type Generator struct {
	typ       Type
	enabled   bool
	numCycles uint16
	freq      float32
	fs        float32
	amplitude float32
	offset    float32
	n         float32
	auxParam  [NumAuxParams]float32
	auxVar    [numAuxVars]float32

	out *float32
}

// New creates a disabled generator writing into out, with a benign default
// configuration (one cycle of a 1 Hz unit sine).
func New(fs float32, out *float32) *Generator {
	g := &Generator{fs: fs, out: out}
	g.Configure(Sine, 1, 1.0, 1.0, 0.0, nil)
	return g
}

// Configure reshapes the signal. Only accepted while disabled; the return
// value reports whether the configuration was applied. num cycles of zero
// selects continuous operation for the sine family, which rounds the
// frequency to the nearest integer (fractional frequencies cannot repeat
// an integer number of samples per second).
func (g *Generator) Configure(typ Type, numCycles uint16, freq, amplitude, offset float32, auxParams []float32) bool {
	if g.enabled {
		return false
	}

	g.typ = typ
	g.numCycles = numCycles
	g.n = 0
	g.freq = freq

	g.Scale(amplitude, offset)
	g.setFreq()

	g.auxParam = [NumAuxParams]float32{}
	copy(g.auxParam[:], auxParams)

	g.auxVar = [numAuxVars]float32{}

	switch typ {
	case Sine, DampedSine:
		// Start phase in radians.
		g.auxVar[1] = math.Pi * g.auxParam[0] / 180.0

		g.deriveLength()

		if typ == DampedSine {
			// Exponential envelope coefficient from the decay time
			// constant.
			g.auxVar[3] = -(1.0 / g.auxParam[2]) / g.fs
		}

	case Trapezoidal:
		g.auxVar[0] = g.auxParam[0] * g.fs
		g.auxVar[1] = (g.auxParam[0] + g.auxParam[1]) * g.fs
		g.auxVar[2] = (g.auxParam[0] + g.auxParam[1] + g.auxParam[2]) * g.fs
		g.auxVar[3] = amplitude / g.auxVar[0]
		g.auxVar[4] = amplitude / (g.auxParam[2] * g.fs)
		g.auxVar[5] = 0
	}

	return true
}

// Scale adjusts amplitude and offset. Unlike Configure it is legal at any
// time: the Cycle mode slew-limits these through the pipeline while the
// generator runs.
func (g *Generator) Scale(amplitude, offset float32) {
	g.amplitude = amplitude
	g.offset = offset
}

// AmplitudeRef and OffsetRef expose wiring handles so a slew-rate limiter
// stage can drive the scale inputs sample by sample.
func (g *Generator) AmplitudeRef() *float32 { return &g.amplitude }

func (g *Generator) OffsetRef() *float32 { return &g.offset }

func (g *Generator) setFreq() {
	switch g.typ {
	case Sine, DampedSine:
		if g.numCycles == 0 {
			g.freq = float32(math.Abs(math.Round(float64(g.freq))))
		}
		g.auxVar[0] = 2.0 * math.Pi * g.freq / g.fs
	default:
		g.freq = 0
	}
}

// deriveLength computes the total run length in samples for the sine
// family, correcting for a fractional final cycle between start and end
// phase. Runs after setFreq, so a continuous-mode rounded frequency is the
// one the length is derived from.
func (g *Generator) deriveLength() {
	g.auxVar[2] = float32(g.numCycles) + (g.auxParam[1]-g.auxParam[0])/360.0
	if g.auxParam[0] > g.auxParam[1] {
		g.auxVar[2]++
	}
	g.auxVar[2] *= g.fs / g.freq
}

// SetFreq stages a new frequency. While disabled it takes effect
// immediately, re-deriving the timing constants; while running it is
// picked up at the next 1-second boundary of continuous mode, keeping the
// phase continuous. Trapezoids ignore frequency entirely.
func (g *Generator) SetFreq(f float32) {
	g.freq = f
	if g.enabled {
		return
	}
	g.setFreq()
	if g.typ == Sine || g.typ == DampedSine {
		g.deriveLength()
	}
}

// Enable resets the sample index, re-derives the frequency constants and
// starts the signal. A no-op while already running.
func (g *Generator) Enable() {
	if g.enabled {
		return
	}
	g.Reset()
	if g.typ == Sine || g.typ == DampedSine {
		g.setFreq()
	}
	g.enabled = true
}

// Disable stops the signal. Idempotent and always legal; the sample index
// is kept (Reset clears it separately on the module reset path).
func (g *Generator) Disable() {
	g.enabled = false
}

// Reset clears the sample index only.
func (g *Generator) Reset() {
	g.n = 0
}

func (g *Generator) Enabled() bool { return g.enabled }

func (g *Generator) Kind() Type { return g.typ }

func (g *Generator) Freq() float32 { return g.freq }

func (g *Generator) NumCycles() uint16 { return g.numCycles }

// Run produces one sample. Does nothing while disabled.
func (g *Generator) Run() {
	if !g.enabled {
		return
	}
	switch g.typ {
	case Sine:
		g.runSine()
	case DampedSine:
		g.runDampedSine()
	case Trapezoidal:
		g.runTrapezoidal()
	}
}

func (g *Generator) runSine() {
	*g.out = g.amplitude*float32(math.Sin(float64(g.auxVar[0]*g.n+g.auxVar[1]))) + g.offset
	g.n++

	if g.auxVar[2] > 0 {
		if g.n >= g.auxVar[2] {
			g.Disable()
		}
	} else if g.n >= g.fs {
		// Continuous mode: restart the index each second and re-round
		// the frequency. Comparing n against the sampling rate keeps
		// the restart integer-exact, so a frequency update lands with
		// no phase discontinuity.
		g.setFreq()
		g.n = 0
	}
}

func (g *Generator) runDampedSine() {
	if g.n < g.auxVar[2] {
		*g.out = g.amplitude*
			float32(math.Exp(float64(g.auxVar[3]*g.n)))*
			float32(math.Sin(float64(g.auxVar[0]*g.n+g.auxVar[1]))) + g.offset
		g.n++
	} else {
		g.Disable()
	}
}

func (g *Generator) runTrapezoidal() {
	if g.auxVar[5] < float32(g.numCycles) {
		switch {
		case g.n < g.auxVar[0]:
			*g.out = g.n*g.auxVar[3] + g.offset
		case g.n < g.auxVar[1]:
			*g.out = g.amplitude + g.offset
		case g.n < g.auxVar[2]:
			*g.out = g.auxVar[4]*(g.auxVar[1]-g.n) + g.amplitude + g.offset
		default:
			*g.out = g.offset
			g.auxVar[5]++
			g.n = 0
		}
		g.n++
	} else {
		g.Disable()
		g.auxVar[5] = 0
	}
}
