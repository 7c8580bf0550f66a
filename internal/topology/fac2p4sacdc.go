package topology

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/control"
	"github.com/opensupply/OpenSupplyCore/internal/dsp"
	"github.com/opensupply/OpenSupplyCore/internal/events"
	"github.com/opensupply/OpenSupplyCore/internal/hal"
	"github.com/opensupply/OpenSupplyCore/internal/ps"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// FAC 2P4S AC/DC hard interlock bits, per module. Channels past
// igbt_driver_fault carry no debounce: they latch on first raise, which
// is how the inter-crate interlock distribution uses them.
const (
	facCapBankOvervoltage = iota
	facRectifierOvervoltage
	facRectifierUndervoltage
	facRectifierOvercurrent
	facACMainsContactorFault
	facIGBTDriverFault
	facDRSMasterInterlock
	facDRSSlave1Interlock
	facDRSSlave2Interlock
	facDRSSlave3Interlock
	facDRSSlave4Interlock
)

const (
	facHeatsinkOvertemperature = iota
	facInductorsOvertemperature
)

var facHardNames = []string{
	"cap_bank_overvoltage",
	"rectifier_overvoltage",
	"rectifier_undervoltage",
	"rectifier_overcurrent",
	"ac_mains_contactor_fault",
	"igbt_driver_fault",
	"drs_master_interlock",
	"drs_slave_1_interlock",
	"drs_slave_2_interlock",
	"drs_slave_3_interlock",
	"drs_slave_4_interlock",
}

var facSoftNames = []string{
	"heatsink_overtemperature",
	"inductors_overtemperature",
}

// facLeg is one AC/DC module: its signal cells, its cascaded voltage and
// current loops, and its fault latch. Both legs regulate against the one
// shared reference.
type facLeg struct {
	vCapBank float32
	ioutRect float32
	vNotched float32
	vFilt    float32
	errV     float32
	ioutRef  float32
	errI     float32
	resAcc1  float32
	resAcc2  float32
	duty     float32

	notch2Hz  *dsp.IIR2P2Z
	notch4Hz  *dsp.IIR2P2Z
	errVStage *dsp.Error
	piVolt    *dsp.PI
	errIStage *dsp.Error
	res2Hz    *dsp.IIR2P2Z
	res4Hz    *dsp.IIR2P2Z
	piCurr    *dsp.PI

	chVCapBank int
	chIOutRect int
	chPWM      int

	pinContactor       int
	pinContactorStatus int

	module *ps.Module
	ev     *events.Manager
}

// fac2p4sACDC is the two-module AC/DC rectifier stage of the 2P4S
// cascade. Module A leads: its state gates the controller and commands,
// module B mirrors the bring-up and reports its own faults.
type fac2p4sACDC struct {
	logger   *zap.Logger
	clk      clock.Clock
	dispatch func(func())

	analog hal.AnalogSource
	pwm    hal.PWMSink
	io     hal.DigitalIO

	legs      [2]facLeg
	reference float32
	ref       *RefPipeline

	ctlSlicer *control.TimeSlicer
	tbSlicer  *control.TimeSlicer

	samples   []float32
	bgSamples []float32

	maxRef, minRef     float32
	maxRefOL, minRefOL float32
	maxDutyOL          float32
	minDutyOL          float32

	vCapBankMax float32
	ioutRectMax float32

	waitClosed time.Duration
	waitOpened time.Duration

	signals *signalTable
}

func newFAC2P4SACDC(deps Deps) (*fac2p4sACDC, error) {
	p := deps.Profile
	b := newBinder(p)
	cfg := p.Control

	t := &fac2p4sACDC{
		logger:   deps.Logger,
		clk:      deps.Clock,
		dispatch: deps.Dispatch,
		analog:   deps.Analog,
		pwm:      deps.PWM,
		io:       deps.IO,
	}

	t.ctlSlicer = control.NewTimeSlicer(cfg.DecimationController)
	fsCtl := cfg.FreqSamplingHz / float64(t.ctlSlicer.Divisor())

	tbFreq := cfg.FreqTimebaseHz
	if tbFreq <= 0 {
		tbFreq = cfg.FreqSamplingHz
	}
	t.tbSlicer = control.NewTimeSlicer(control.Decimation(cfg.FreqSamplingHz, tbFreq))

	t.ref = newRefPipeline(p, fsCtl, &t.reference)

	t.maxRef = float32(cfg.MaxRef)
	t.minRef = float32(cfg.MinRef)
	t.maxRefOL = float32(cfg.MaxRefOpenLoop)
	t.minRefOL = float32(cfg.MinRefOpenLoop)
	t.maxDutyOL = float32(cfg.MaxDutyOpenLoop)
	t.minDutyOL = float32(cfg.MinDutyOpenLoop)

	t.vCapBankMax = b.limit("v_capbank_max")
	t.ioutRectMax = b.limit("iout_rect_max")

	t.waitClosed = time.Duration(p.Timeouts.ContactorClosedMs) * time.Millisecond
	t.waitOpened = time.Duration(p.Timeouts.ContactorOpenedMs) * time.Millisecond

	t.signals = newSignalTable()
	t.signals.add("reference", &t.reference)

	t.buildLeg(0, "a", b, float32(fsCtl))
	t.buildLeg(1, "b", b, float32(fsCtl))

	// Module B's interlock pulls the leader down with it; A's does not
	// touch B, whose state only mirrors off/interlock anyway.
	t.legs[0].ev = events.NewManager(tbFreq,
		eventsConfig(p.Interlocks, len(facHardNames), len(facSoftNames)),
		target{
			safeStop:  t.safeStop,
			interlock: func() { t.legs[0].module.SetState(ps.Interlock) },
		})
	t.legs[1].ev = events.NewManager(tbFreq,
		eventsConfig(p.Interlocks, len(facHardNames), len(facSoftNames)),
		target{
			safeStop: t.safeStop,
			interlock: func() {
				t.legs[1].module.SetState(ps.Interlock)
				t.legs[0].module.SetState(ps.Interlock)
			},
		})

	n := maxIndex(p.Channels.Analog)
	t.samples = make([]float32, n)
	t.bgSamples = make([]float32, n)

	if err := b.err(); err != nil {
		return nil, err
	}
	return t, nil
}

// buildLeg wires one module's feedback chain and cascaded loops. The
// resonant compensators default to pass-through coefficients when the
// profile does not provide them.
func (t *fac2p4sACDC) buildLeg(i int, suffix string, b *binder, fsCtl float32) {
	leg := &t.legs[i]

	leg.chVCapBank = b.analog("v_capbank_" + suffix)
	leg.chIOutRect = b.analog("iout_rect_" + suffix)
	leg.chPWM = b.pwm("module_" + suffix)
	leg.pinContactor = b.outPin("ac_mains_contactor_" + suffix)
	leg.pinContactorStatus = b.inPin("ac_mains_contactor_" + suffix + "_status")

	alpha := b.gainDefault("notch_alpha", 0.99)
	unbounded := float32(math.MaxFloat32)

	leg.notch2Hz = dsp.NewNotch2P2Z(alpha, 2, fsCtl, unbounded, -unbounded,
		&leg.vCapBank, &leg.vNotched)
	leg.notch4Hz = dsp.NewNotch2P2Z(alpha, 4, fsCtl, unbounded, -unbounded,
		&leg.vNotched, &leg.vFilt)

	leg.errVStage = dsp.NewError(&t.reference, &leg.vFilt, &leg.errV)
	leg.piVolt = dsp.NewPI(
		b.gain("kp_v_capbank_"+suffix), b.gain("ki_v_capbank_"+suffix), fsCtl,
		b.limit("iout_rect_ref_max"), b.limit("iout_rect_ref_min"),
		&leg.errV, &leg.ioutRef,
	)

	leg.errIStage = dsp.NewError(&leg.ioutRef, &leg.ioutRect, &leg.errI)
	leg.res2Hz = dsp.NewIIR2P2Z(
		b.gainDefault("res2_"+suffix+"_b0", 1),
		b.gainDefault("res2_"+suffix+"_b1", 0),
		b.gainDefault("res2_"+suffix+"_b2", 0),
		b.gainDefault("res2_"+suffix+"_a1", 0),
		b.gainDefault("res2_"+suffix+"_a2", 0),
		unbounded, -unbounded,
		&leg.errI, &leg.resAcc1,
	)
	leg.res4Hz = dsp.NewIIR2P2Z(
		b.gainDefault("res4_"+suffix+"_b0", 1),
		b.gainDefault("res4_"+suffix+"_b1", 0),
		b.gainDefault("res4_"+suffix+"_b2", 0),
		b.gainDefault("res4_"+suffix+"_a1", 0),
		b.gainDefault("res4_"+suffix+"_a2", 0),
		unbounded, -unbounded,
		&leg.resAcc1, &leg.resAcc2,
	)
	leg.piCurr = dsp.NewPI(
		b.gain("kp_iout_rect_"+suffix), b.gain("ki_iout_rect_"+suffix), fsCtl,
		float32(b.profile.Control.MaxDuty), float32(b.profile.Control.MinDuty),
		&leg.resAcc2, &leg.duty,
	)

	leg.module = ps.NewModule(ps.ModelFAC2P4SACDC)

	t.signals.add("v_capbank_"+suffix, &leg.vCapBank)
	t.signals.add("v_capbank_"+suffix+"_filtered", &leg.vFilt)
	t.signals.add("iout_rect_"+suffix, &leg.ioutRect)
	t.signals.add("iout_rect_ref_"+suffix, &leg.ioutRef)
	t.signals.add("error_v_capbank_"+suffix, &leg.errV)
	t.signals.add("error_iout_rect_"+suffix, &leg.errI)
	t.signals.add("duty_"+suffix, &leg.duty)
}

func (t *fac2p4sACDC) Model() ps.Model { return ps.ModelFAC2P4SACDC }

func (t *fac2p4sACDC) Modules() []*ps.Module {
	return []*ps.Module{t.legs[0].module, t.legs[1].module}
}

func (t *fac2p4sACDC) Events() []*events.Manager {
	return []*events.Manager{t.legs[0].ev, t.legs[1].ev}
}

func (t *fac2p4sACDC) InterlockNames(module int) (hard, soft []string) {
	return facHardNames, facSoftNames
}

func (t *fac2p4sACDC) AlarmNames(module int) []string { return nil }

func (t *fac2p4sACDC) SyncPulse() { t.ref.Sync(t.legs[0].module.State()) }

func (t *fac2p4sACDC) Ref() *RefPipeline             { return t.ref }
func (t *fac2p4sACDC) SignalNames() []string         { return t.signals.names }
func (t *fac2p4sACDC) Telemetry() map[string]float32 { return t.signals.snapshot() }

func (t *fac2p4sACDC) Signal(name string) (*float32, bool) {
	return t.signals.lookup(name)
}

func (t *fac2p4sACDC) RunCycle() {
	t.analog.Read(t.samples)
	for i := range t.legs {
		leg := &t.legs[i]
		leg.vCapBank = t.samples[leg.chVCapBank]
		leg.ioutRect = t.samples[leg.chIOutRect]
	}

	if t.ctlSlicer.Tick() {
		t.runController()
	}

	if t.tbSlicer.Tick() {
		t.legs[0].ev.SetTimebaseFlag()
		t.legs[1].ev.SetTimebaseFlag()
	}
}

func (t *fac2p4sACDC) runController() {
	// The feedback notches run in every state so the filter history has
	// settled by the time the loop closes.
	for i := range t.legs {
		t.legs[i].notch2Hz.Run()
		t.legs[i].notch4Hz.Run()
	}

	leader := t.legs[0].module
	state := leader.State()
	if state <= ps.Interlock {
		return
	}

	t.ref.run(state, leader.Setpoint())

	if leader.OpenLoop() {
		t.reference = dsp.Saturate(t.reference, t.maxRefOL, t.minRefOL)
		t.legs[0].duty = dsp.Saturate(0.01*t.reference, t.maxDutyOL, t.minDutyOL)
		t.legs[1].duty = t.legs[0].duty
	} else {
		t.reference = dsp.Saturate(t.reference, t.maxRef, t.minRef)

		t.legs[0].errVStage.Run()
		t.legs[0].piVolt.Run()
		t.legs[1].errVStage.Run()
		t.legs[1].piVolt.Run()

		for i := range t.legs {
			leg := &t.legs[i]
			leg.errIStage.Run()
			leg.res2Hz.Run()
			leg.res4Hz.Run()
			leg.piCurr.Run()
		}
	}

	for i := range t.legs {
		t.pwm.SetDuty(t.legs[i].chPWM, t.legs[i].duty)
		t.legs[i].module.SetReference(t.reference)
	}
}

// Reset returns every stage to its power-off state and zeroes both PWM
// duties. Contactors are left untouched.
func (t *fac2p4sACDC) Reset() {
	t.ref.reset()
	for i := range t.legs {
		leg := &t.legs[i]
		leg.notch2Hz.Reset()
		leg.notch4Hz.Reset()
		leg.errVStage.Reset()
		leg.piVolt.Reset()
		leg.errIStage.Reset()
		leg.res2Hz.Reset()
		leg.res4Hz.Reset()
		leg.piCurr.Reset()
		leg.duty = 0
		t.pwm.SetDuty(leg.chPWM, 0)
		leg.module.SetSetpoint(0)
		leg.module.SetReference(0)
	}
	t.ctlSlicer.Reset()
}

func (t *fac2p4sACDC) CheckInterlocks() {
	t.analog.Read(t.bgSamples)

	for i := range t.legs {
		leg := &t.legs[i]
		if abs32(t.bgSamples[leg.chVCapBank]) > t.vCapBankMax {
			leg.ev.Raise(events.Hard, facCapBankOvervoltage)
		}
		if abs32(t.bgSamples[leg.chIOutRect]) > t.ioutRectMax {
			leg.ev.Raise(events.Hard, facRectifierOvercurrent)
		}
	}

	// The contactor check cuts both ways against the leader state: a
	// contactor reading closed while the supply is off is as much a
	// fault as one reading open while it runs.
	energized := t.legs[0].module.State() > ps.Interlock
	for i := range t.legs {
		leg := &t.legs[i]
		closed := t.io.ReadPin(leg.pinContactorStatus)
		if closed != energized {
			leg.ev.Raise(events.Hard, facACMainsContactorFault)
		}
	}
}

func (t *fac2p4sACDC) TurnOn(ctx context.Context) error {
	if st := t.legs[0].module.State(); st != ps.Off {
		return fmt.Errorf("%w: turn on in state %s", types.ErrInvalidState, st)
	}

	t.dispatch(t.Reset)
	t.legs[0].module.SetState(ps.Initializing)

	t.io.SetPin(t.legs[0].pinContactor, true)
	t.io.SetPin(t.legs[1].pinContactor, true)
	if err := sleepCtx(ctx, t.clk, t.waitClosed); err != nil {
		t.shutdownSequence(ctx)
		if t.legs[0].module.State() != ps.Interlock {
			t.legs[0].module.SetState(ps.Off)
			t.legs[1].module.SetState(ps.Off)
		}
		return err
	}

	if !t.io.ReadPin(t.legs[0].pinContactorStatus) {
		t.logger.Warn("AC mains contactor failed to close", zap.String("module", "a"))
		t.legs[0].ev.Bypass(events.Hard, facACMainsContactorFault)
		t.legs[0].ev.Raise(events.Hard, facACMainsContactorFault)
	}
	if !t.io.ReadPin(t.legs[1].pinContactorStatus) {
		t.logger.Warn("AC mains contactor failed to close", zap.String("module", "b"))
		t.legs[1].ev.Bypass(events.Hard, facACMainsContactorFault)
		t.legs[1].ev.Raise(events.Hard, facACMainsContactorFault)
	}

	if t.legs[0].module.State() == ps.Initializing {
		t.legs[0].module.SetOpenLoop(true)
		t.legs[0].module.SetState(ps.SlowRef)
		t.pwm.EnableOutput(t.legs[0].chPWM)
		t.pwm.EnableOutput(t.legs[1].chPWM)
		t.logger.Info("power supply on",
			zap.String("state", t.legs[0].module.State().String()))
	}
	return nil
}

func (t *fac2p4sACDC) TurnOff(ctx context.Context) error {
	t.shutdownSequence(ctx)
	if t.legs[0].module.State() != ps.Interlock {
		t.legs[0].module.SetState(ps.Off)
		t.legs[1].module.SetState(ps.Off)
	}
	return nil
}

func (t *fac2p4sACDC) ResetInterlocks(ctx context.Context) error {
	t.legs[0].ev.ClearAll()
	t.legs[1].ev.ClearAll()
	if t.legs[0].module.State() < ps.Initializing {
		t.legs[0].module.SetState(ps.Off)
		t.legs[1].module.SetState(ps.Off)
	}
	return nil
}

func (t *fac2p4sACDC) safeStop() {
	if t.legs[0].module.State() == ps.Interlock {
		return
	}
	t.shutdownSequence(context.Background())
}

// shutdownSequence de-energizes both modules: PWM off before the
// contactors open, one settle wait, then a pipeline reset on the
// control goroutine.
func (t *fac2p4sACDC) shutdownSequence(ctx context.Context) {
	t.pwm.DisableOutput(t.legs[0].chPWM)
	t.pwm.DisableOutput(t.legs[1].chPWM)
	t.io.SetPin(t.legs[0].pinContactor, false)
	t.io.SetPin(t.legs[1].pinContactor, false)
	_ = sleepCtx(ctx, t.clk, t.waitOpened)
	t.dispatch(t.Reset)
}
