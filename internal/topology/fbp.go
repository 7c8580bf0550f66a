package topology

import (
	"context"
	"fmt"
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

// FBP hard interlock bits, in status-word order.
const (
	fbpLoadOvercurrent = iota
	fbpLoadOvervoltage
	fbpDCLinkOvervoltage
	fbpDCLinkUndervoltage
	fbpDCLinkContactorFault
)

var fbpHardNames = []string{
	"load_overcurrent",
	"load_overvoltage",
	"dclink_overvoltage",
	"dclink_undervoltage",
	"dclink_contactor_fault",
}

// fbpWiring holds the named signal cells the DSP stages read and write.
type fbpWiring struct {
	iLoad     float32
	vLoad     float32
	vDCLink   float32
	reference float32
	errILoad  float32
	duty      float32
}

// fbp is the four-quadrant bipolar converter: a single module driving one
// current loop, reference times 0.01 as duty in open loop and an error/PI
// cascade in closed loop.
type fbp struct {
	logger   *zap.Logger
	clk      clock.Clock
	dispatch func(func())

	analog hal.AnalogSource
	pwm    hal.PWMSink
	io     hal.DigitalIO

	module *ps.Module
	ev     *events.Manager
	ref    *RefPipeline
	w      fbpWiring

	ctlSlicer *control.TimeSlicer
	tbSlicer  *control.TimeSlicer
	errStage  *dsp.Error
	piILoad   *dsp.PI

	samples   []float32
	bgSamples []float32

	chILoad   int
	chVLoad   int
	chVDCLink int
	chPWM     int

	pinContactor       int
	pinContactorStatus int

	maxRef, minRef     float32
	maxRefOL, minRefOL float32
	maxDutyOL          float32
	minDutyOL          float32

	iLoadMax   float32
	vLoadMax   float32
	vDCLinkMax float32
	vDCLinkMin float32

	waitClosed time.Duration
	waitOpened time.Duration

	signals *signalTable
}

func newFBP(deps Deps) (*fbp, error) {
	p := deps.Profile
	b := newBinder(p)
	cfg := p.Control

	t := &fbp{
		logger:   deps.Logger,
		clk:      deps.Clock,
		dispatch: deps.Dispatch,
		analog:   deps.Analog,
		pwm:      deps.PWM,
		io:       deps.IO,
	}

	t.chILoad = b.analog("i_load")
	t.chVLoad = b.analog("v_load")
	t.chVDCLink = b.analog("v_dclink")
	t.chPWM = b.pwm("main")
	t.pinContactor = b.outPin("dclink_contactor")
	t.pinContactorStatus = b.inPin("dclink_contactor_status")

	t.ctlSlicer = control.NewTimeSlicer(cfg.DecimationController)
	fsCtl := cfg.FreqSamplingHz / float64(t.ctlSlicer.Divisor())

	tbFreq := cfg.FreqTimebaseHz
	if tbFreq <= 0 {
		tbFreq = cfg.FreqSamplingHz
	}
	t.tbSlicer = control.NewTimeSlicer(control.Decimation(cfg.FreqSamplingHz, tbFreq))

	t.ref = newRefPipeline(p, fsCtl, &t.w.reference)
	t.errStage = dsp.NewError(&t.w.reference, &t.w.iLoad, &t.w.errILoad)
	t.piILoad = dsp.NewPI(
		b.gain("kp_i_load"), b.gain("ki_i_load"), float32(fsCtl),
		float32(cfg.MaxDuty), float32(cfg.MinDuty),
		&t.w.errILoad, &t.w.duty,
	)

	t.maxRef = float32(cfg.MaxRef)
	t.minRef = float32(cfg.MinRef)
	t.maxRefOL = float32(cfg.MaxRefOpenLoop)
	t.minRefOL = float32(cfg.MinRefOpenLoop)
	t.maxDutyOL = float32(cfg.MaxDutyOpenLoop)
	t.minDutyOL = float32(cfg.MinDutyOpenLoop)

	t.iLoadMax = b.limit("i_load_max")
	t.vLoadMax = b.limit("v_load_max")
	t.vDCLinkMax = b.limit("v_dclink_max")
	t.vDCLinkMin = b.limit("v_dclink_min")

	t.waitClosed = time.Duration(p.Timeouts.ContactorClosedMs) * time.Millisecond
	t.waitOpened = time.Duration(p.Timeouts.ContactorOpenedMs) * time.Millisecond

	t.module = ps.NewModule(ps.ModelFBP)
	t.ev = events.NewManager(tbFreq,
		eventsConfig(p.Interlocks, len(fbpHardNames), 0),
		target{
			safeStop:  t.safeStop,
			interlock: func() { t.module.SetState(ps.Interlock) },
		})

	n := maxIndex(p.Channels.Analog)
	t.samples = make([]float32, n)
	t.bgSamples = make([]float32, n)

	t.signals = newSignalTable()
	t.signals.add("i_load", &t.w.iLoad)
	t.signals.add("v_load", &t.w.vLoad)
	t.signals.add("v_dclink", &t.w.vDCLink)
	t.signals.add("reference", &t.w.reference)
	t.signals.add("error_i_load", &t.w.errILoad)
	t.signals.add("duty", &t.w.duty)

	if err := b.err(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *fbp) Model() ps.Model               { return ps.ModelFBP }
func (t *fbp) Modules() []*ps.Module         { return []*ps.Module{t.module} }
func (t *fbp) Events() []*events.Manager     { return []*events.Manager{t.ev} }
func (t *fbp) Ref() *RefPipeline             { return t.ref }
func (t *fbp) SignalNames() []string         { return t.signals.names }
func (t *fbp) Telemetry() map[string]float32 { return t.signals.snapshot() }

func (t *fbp) Signal(name string) (*float32, bool) { return t.signals.lookup(name) }

func (t *fbp) InterlockNames(module int) (hard, soft []string) {
	return fbpHardNames, nil
}

func (t *fbp) AlarmNames(module int) []string { return nil }

func (t *fbp) SyncPulse() { t.ref.Sync(t.module.State()) }

func (t *fbp) RunCycle() {
	t.analog.Read(t.samples)
	t.w.iLoad = t.samples[t.chILoad]
	t.w.vLoad = t.samples[t.chVLoad]
	t.w.vDCLink = t.samples[t.chVDCLink]

	if t.ctlSlicer.Tick() {
		t.runController()
	}

	if t.tbSlicer.Tick() {
		t.ev.SetTimebaseFlag()
	}
}

func (t *fbp) runController() {
	state := t.module.State()
	if state <= ps.Interlock {
		return
	}

	t.ref.run(state, t.module.Setpoint())

	if t.module.OpenLoop() {
		t.w.reference = dsp.Saturate(t.w.reference, t.maxRefOL, t.minRefOL)
		t.w.duty = dsp.Saturate(0.01*t.w.reference, t.maxDutyOL, t.minDutyOL)
	} else {
		t.w.reference = dsp.Saturate(t.w.reference, t.maxRef, t.minRef)
		t.errStage.Run()
		t.piILoad.Run()
	}

	t.pwm.SetDuty(t.chPWM, t.w.duty)
	t.module.SetReference(t.w.reference)
}

// Reset returns the pipeline to its power-off state and zeroes the PWM
// duty. Contactors are left untouched.
func (t *fbp) Reset() {
	t.ref.reset()
	t.errStage.Reset()
	t.piILoad.Reset()
	t.ctlSlicer.Reset()
	t.w.duty = 0
	t.pwm.SetDuty(t.chPWM, 0)
	t.module.SetSetpoint(0)
	t.module.SetReference(0)
}

func (t *fbp) CheckInterlocks() {
	t.analog.Read(t.bgSamples)
	iLoad := t.bgSamples[t.chILoad]
	vLoad := t.bgSamples[t.chVLoad]
	vDCLink := t.bgSamples[t.chVDCLink]

	if abs32(iLoad) > t.iLoadMax {
		t.ev.Raise(events.Hard, fbpLoadOvercurrent)
	}
	if abs32(vLoad) > t.vLoadMax {
		t.ev.Raise(events.Hard, fbpLoadOvervoltage)
	}
	if vDCLink > t.vDCLinkMax {
		t.ev.Raise(events.Hard, fbpDCLinkOvervoltage)
	}

	// Undervoltage and the contactor cross-check only mean anything
	// while the supply is energized.
	if t.module.State() > ps.Interlock {
		if vDCLink < t.vDCLinkMin {
			t.ev.Raise(events.Hard, fbpDCLinkUndervoltage)
		}
		if !t.io.ReadPin(t.pinContactorStatus) {
			t.ev.Raise(events.Hard, fbpDCLinkContactorFault)
		}
	}
}

func (t *fbp) TurnOn(ctx context.Context) error {
	if st := t.module.State(); st != ps.Off {
		return fmt.Errorf("%w: turn on in state %s", types.ErrInvalidState, st)
	}

	t.dispatch(t.Reset)
	t.module.SetState(ps.Initializing)

	t.io.SetPin(t.pinContactor, true)
	if err := sleepCtx(ctx, t.clk, t.waitClosed); err != nil {
		t.shutdownSequence(ctx)
		if t.module.State() != ps.Interlock {
			t.module.SetState(ps.Off)
		}
		return err
	}

	if !t.io.ReadPin(t.pinContactorStatus) {
		t.logger.Warn("DC-link contactor failed to close")
		t.ev.Bypass(events.Hard, fbpDCLinkContactorFault)
		t.ev.Raise(events.Hard, fbpDCLinkContactorFault)
		return nil
	}

	t.module.SetOpenLoop(true)
	t.module.SetState(ps.SlowRef)
	t.pwm.EnableOutput(t.chPWM)
	t.logger.Info("power supply on",
		zap.String("state", t.module.State().String()))
	return nil
}

func (t *fbp) TurnOff(ctx context.Context) error {
	t.shutdownSequence(ctx)
	if t.module.State() != ps.Interlock {
		t.module.SetState(ps.Off)
	}
	return nil
}

func (t *fbp) ResetInterlocks(ctx context.Context) error {
	t.ev.ClearAll()
	if t.module.State() < ps.Initializing {
		t.module.SetState(ps.Off)
	}
	return nil
}

// safeStop is the protective action for a committed interlock. It runs on
// whichever goroutine committed, before the state moves to Interlock.
func (t *fbp) safeStop() {
	if t.module.State() == ps.Interlock {
		return
	}
	t.shutdownSequence(context.Background())
}

// shutdownSequence de-energizes the converter: PWM off before the
// contactor opens, then a bounded settle wait, then a pipeline reset on
// the control goroutine.
func (t *fbp) shutdownSequence(ctx context.Context) {
	t.pwm.DisableOutput(t.chPWM)
	t.io.SetPin(t.pinContactor, false)
	_ = sleepCtx(ctx, t.clk, t.waitOpened)
	t.dispatch(t.Reset)
}
