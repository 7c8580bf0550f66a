// Package hal declares the hardware abstraction consumed by the
// control core: an analog sampling source, a PWM sink and discrete
// digital I/O. Converter hardware drivers and the simulation rig
// implement the same three interfaces.
package hal

// AnalogSource delivers conditioned analog samples.
type AnalogSource interface {
	// Read fills dst with one aggregated sample per logical channel.
	// It is called once at the top of every control cycle.
	Read(dst []float32)
}

// PWMSink accepts duty-cycle values in [-1, 1]. Duty values persist
// across output disables; only the gate state changes.
type PWMSink interface {
	SetDuty(ch int, duty float32)
	EnableOutput(ch int)
	DisableOutput(ch int)
	DisableAll()
}

// DigitalIO exposes discrete pins. Inputs and outputs are separate
// index spaces.
type DigitalIO interface {
	ReadPin(pin int) bool
	SetPin(pin int, high bool)
}

// Plant is implemented by rigs that simulate load dynamics. Step is
// called once per control cycle from the control context.
type Plant interface {
	Step(dt float64)
}
