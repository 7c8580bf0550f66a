// Package sim provides the simulation rig backing the HAL when no
// converter hardware is attached: lock-free atomic cells for analog
// channels, PWM duties and pins, plus a first-order load plant so
// closed-loop behavior is observable end to end.
package sim

import (
	"math"
	"sync/atomic"
)

type branch struct {
	dutyCh   int
	analogCh int
	vbus     float64
	r        float64
	l        float64
	current  float64
}

// Rig implements hal.AnalogSource, hal.PWMSink, hal.DigitalIO and
// hal.Plant. Every cell is atomic, so the control loop, the service
// surfaces and tests may touch the rig concurrently.
type Rig struct {
	analog  []atomic.Uint32
	duty    []atomic.Uint32
	enabled []atomic.Bool
	inPins  []atomic.Bool
	outPins []atomic.Bool

	couple   map[int]int
	branches []branch
}

func NewRig(analogChannels, pwmChannels, inputPins, outputPins int) *Rig {
	return &Rig{
		analog:  make([]atomic.Uint32, analogChannels),
		duty:    make([]atomic.Uint32, pwmChannels),
		enabled: make([]atomic.Bool, pwmChannels),
		inPins:  make([]atomic.Bool, inputPins),
		outPins: make([]atomic.Bool, outputPins),
		couple:  make(map[int]int),
	}
}

// Read fills dst with the current analog cell values. Channels beyond
// the rig read as zero.
func (r *Rig) Read(dst []float32) {
	for i := range dst {
		if i < len(r.analog) {
			dst[i] = math.Float32frombits(r.analog[i].Load())
		} else {
			dst[i] = 0
		}
	}
}

func (r *Rig) SetDuty(ch int, duty float32) {
	if ch >= 0 && ch < len(r.duty) {
		r.duty[ch].Store(math.Float32bits(duty))
	}
}

func (r *Rig) EnableOutput(ch int) {
	if ch >= 0 && ch < len(r.enabled) {
		r.enabled[ch].Store(true)
	}
}

func (r *Rig) DisableOutput(ch int) {
	if ch >= 0 && ch < len(r.enabled) {
		r.enabled[ch].Store(false)
	}
}

func (r *Rig) DisableAll() {
	for i := range r.enabled {
		r.enabled[i].Store(false)
	}
}

func (r *Rig) ReadPin(pin int) bool {
	if pin >= 0 && pin < len(r.inPins) {
		return r.inPins[pin].Load()
	}
	return false
}

// SetPin drives an output pin. A coupled status input follows the
// output immediately, the rig's stand-in for contactor feedback.
func (r *Rig) SetPin(pin int, high bool) {
	if pin < 0 || pin >= len(r.outPins) {
		return
	}
	r.outPins[pin].Store(high)
	if in, ok := r.couple[pin]; ok {
		r.SetInput(in, high)
	}
}

// CouplePins mirrors output pin out onto input pin in on every
// SetPin. Tests and fault injection may overwrite the input
// afterwards.
func (r *Rig) CouplePins(out, in int) {
	r.couple[out] = in
}

// SetInput forces a discrete input cell.
func (r *Rig) SetInput(pin int, high bool) {
	if pin >= 0 && pin < len(r.inPins) {
		r.inPins[pin].Store(high)
	}
}

// SetAnalog forces an analog cell. Cells driven by a plant branch are
// overwritten on the next Step.
func (r *Rig) SetAnalog(ch int, v float32) {
	if ch >= 0 && ch < len(r.analog) {
		r.analog[ch].Store(math.Float32bits(v))
	}
}

func (r *Rig) Analog(ch int) float32 {
	if ch >= 0 && ch < len(r.analog) {
		return math.Float32frombits(r.analog[ch].Load())
	}
	return 0
}

func (r *Rig) Duty(ch int) float32 {
	if ch >= 0 && ch < len(r.duty) {
		return math.Float32frombits(r.duty[ch].Load())
	}
	return 0
}

func (r *Rig) OutputEnabled(ch int) bool {
	if ch >= 0 && ch < len(r.enabled) {
		return r.enabled[ch].Load()
	}
	return false
}

func (r *Rig) OutputPin(pin int) bool {
	if pin >= 0 && pin < len(r.outPins) {
		return r.outPins[pin].Load()
	}
	return false
}

// AddBranch models a first-order load on one duty channel:
// di/dt = (duty·vbus − r·i)/l, published on the given analog channel.
// A disabled PWM output contributes zero drive, so the current decays.
func (r *Rig) AddBranch(dutyCh, analogCh int, vbus, res, ind float64) {
	if ind <= 0 {
		return
	}
	r.branches = append(r.branches, branch{
		dutyCh:   dutyCh,
		analogCh: analogCh,
		vbus:     vbus,
		r:        res,
		l:        ind,
	})
}

// Step integrates every branch by dt and publishes the currents.
func (r *Rig) Step(dt float64) {
	for i := range r.branches {
		b := &r.branches[i]
		duty := 0.0
		if r.OutputEnabled(b.dutyCh) {
			duty = float64(r.Duty(b.dutyCh))
		}
		b.current += dt * (duty*b.vbus - b.r*b.current) / b.l
		r.SetAnalog(b.analogCh, float32(b.current))
	}
}
