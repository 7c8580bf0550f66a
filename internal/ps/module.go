package ps

import (
	"math"
	"sync/atomic"
)

// Module holds the live status and reference values of one supply
// module. The control loop reads the state and setpoint every cycle
// and publishes the realized reference, while commands and the
// background checks mutate state from their own goroutines, so every
// field lives in an atomic cell and the status word is updated by
// compare-and-swap.
type Module struct {
	status    atomic.Uint32
	setpoint  atomic.Uint32
	reference atomic.Uint32
}

// NewModule returns an active module in Off, open loop, remote
// interface.
func NewModule(model Model) *Module {
	m := &Module{}
	m.status.Store(uint32(Status{
		State:     Off,
		OpenLoop:  true,
		Interface: Remote,
		Active:    true,
		Model:     model,
		Unlocked:  true,
	}.Word()))
	return m
}

// Status returns a snapshot of the unpacked status.
func (m *Module) Status() Status {
	return StatusFromWord(uint16(m.status.Load()))
}

// StatusWord returns the packed 16-bit encoding reported by GetStatus.
func (m *Module) StatusWord() uint16 {
	return uint16(m.status.Load())
}

func (m *Module) State() State {
	return State(uint16(m.status.Load()) & stateMask)
}

// SetState moves the module to s unconditionally. Gated transitions
// belong to the callers: topologies gate turn-on and turn-off,
// SelectOpMode gates mode switches.
func (m *Module) SetState(s State) {
	m.update(func(st *Status) { st.State = s })
}

// SelectOpMode switches between operating states. The request is
// rejected unless the module is already operating and the target is
// an operating state.
func (m *Module) SelectOpMode(target State) bool {
	ok := false
	m.update(func(st *Status) {
		ok = st.State.Operating() && target.Operating()
		if ok {
			st.State = target
		}
	})
	return ok
}

func (m *Module) OpenLoop() bool {
	return uint16(m.status.Load())&openLoopBit != 0
}

func (m *Module) SetOpenLoop(open bool) {
	m.update(func(st *Status) { st.OpenLoop = open })
}

func (m *Module) Interface() Interface {
	return m.Status().Interface
}

func (m *Module) SetInterface(i Interface) {
	m.update(func(st *Status) { st.Interface = i })
}

func (m *Module) Model() Model {
	return m.Status().Model
}

func (m *Module) Active() bool {
	return uint16(m.status.Load())&activeBit != 0
}

func (m *Module) SetActive(active bool) {
	m.update(func(st *Status) { st.Active = active })
}

// Setpoint is the operator-requested value. The control loop tracks
// it through the reference slew limiter.
func (m *Module) Setpoint() float32 {
	return math.Float32frombits(m.setpoint.Load())
}

func (m *Module) SetSetpoint(v float32) {
	m.setpoint.Store(math.Float32bits(v))
}

// Reference is the realized per-cycle reference published by the
// control loop after slew limiting and saturation.
func (m *Module) Reference() float32 {
	return math.Float32frombits(m.reference.Load())
}

func (m *Module) SetReference(v float32) {
	m.reference.Store(math.Float32bits(v))
}

func (m *Module) update(f func(*Status)) {
	for {
		old := m.status.Load()
		st := StatusFromWord(uint16(old))
		f(&st)
		if m.status.CompareAndSwap(old, uint32(st.Word())) {
			return
		}
	}
}
