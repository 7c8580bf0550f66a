package topology

import (
	"context"
	"fmt"
	"strconv"
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

const fapNumModules = 4

// FAP-4P hard interlock bits, in status-word order. The per-module
// blocks run module 1 to module 4 from their first bit; the IGBT
// block carries two bits per module, IGBT 1 then IGBT 2.
const (
	fapLoadOvercurrent = iota
	fapLoadOvervoltage
	fapFirstIGBTOvercurrent
	fapFirstWeldedContactorFault = fapFirstIGBTOvercurrent + 2*fapNumModules
	fapFirstOpenedContactorFault = fapFirstWeldedContactorFault + fapNumModules
	fapFirstDCLinkOvervoltage    = fapFirstOpenedContactorFault + fapNumModules
	fapFirstDCLinkUndervoltage   = fapFirstDCLinkOvervoltage + fapNumModules
	fapFirstIIBInterlock         = fapFirstDCLinkUndervoltage + fapNumModules
)

// FAP-4P soft interlock bits.
const (
	fapDCCT1Fault = iota
	fapDCCT2Fault
	fapDCCTHighDifference
	fapLoadFeedback1Fault
	fapLoadFeedback2Fault
	fapIGBTsCurrentHighDifference
)

const fapHighSyncInputFrequency = 0

var fapHardNames = []string{
	"load_overcurrent",
	"load_overvoltage",
	"igbt_1_mod_1_overcurrent",
	"igbt_2_mod_1_overcurrent",
	"igbt_1_mod_2_overcurrent",
	"igbt_2_mod_2_overcurrent",
	"igbt_1_mod_3_overcurrent",
	"igbt_2_mod_3_overcurrent",
	"igbt_1_mod_4_overcurrent",
	"igbt_2_mod_4_overcurrent",
	"welded_contactor_mod_1_fault",
	"welded_contactor_mod_2_fault",
	"welded_contactor_mod_3_fault",
	"welded_contactor_mod_4_fault",
	"opened_contactor_mod_1_fault",
	"opened_contactor_mod_2_fault",
	"opened_contactor_mod_3_fault",
	"opened_contactor_mod_4_fault",
	"dclink_mod_1_overvoltage",
	"dclink_mod_2_overvoltage",
	"dclink_mod_3_overvoltage",
	"dclink_mod_4_overvoltage",
	"dclink_mod_1_undervoltage",
	"dclink_mod_2_undervoltage",
	"dclink_mod_3_undervoltage",
	"dclink_mod_4_undervoltage",
	"iib_mod_1_interlock",
	"iib_mod_2_interlock",
	"iib_mod_3_interlock",
	"iib_mod_4_interlock",
}

var fapSoftNames = []string{
	"dcct_1_fault",
	"dcct_2_fault",
	"dcct_high_difference",
	"load_feedback_1_fault",
	"load_feedback_2_fault",
	"igbts_current_high_difference",
}

var fapAlarmNames = []string{"high_sync_input_frequency"}

// fapShareMode selects the inter-module current-share strategy.
// DaisyChain is accepted but runs no inter-module correction.
type fapShareMode uint16

const (
	fapShareAverageCurrent fapShareMode = iota
	fapShareDaisyChain
)

// fapModule is one parallel DC/DC brick: its IGBT pair cells, the
// share trims applied to its duties, and its DC-link contactor
// wiring.
type fapModule struct {
	iIGBT1  float32
	iIGBT2  float32
	vDCLink float32

	iMod      float32
	iIGBTDiff float32
	dutyShare float32
	dutyDiff  float32
	duty1     float32
	duty2     float32

	sharePI *dsp.PI

	chIIGBT1  int
	chIIGBT2  int
	chVDCLink int
	chPWM1    int
	chPWM2    int

	pinContactor       int
	pinContactorStatus int
}

// fap4p is the four-module parallel DC/DC converter: a single
// mean-current loop over the load DCCTs, plus a sub-rate share
// pipeline that trims the eight IGBT duties to balance module and
// pair currents. The loop runs at the full sampling rate; only the
// share pipeline is decimated.
type fap4p struct {
	logger   *zap.Logger
	clk      clock.Clock
	dispatch func(func())

	analog hal.AnalogSource
	pwm    hal.PWMSink
	io     hal.DigitalIO

	module *ps.Module
	ev     *events.Manager
	ref    *RefPipeline

	mods [fapNumModules]fapModule

	iLoad1    float32
	iLoad2    float32
	iLoadMean float32
	iLoadDiff float32
	vLoad     float32
	reference float32
	errILoad  float32
	dutyMean  float32

	errStage *dsp.Error
	piILoad  *dsp.PI

	shareSlicer *control.TimeSlicer
	tbSlicer    *control.TimeSlicer

	samples   []float32
	bgSamples []float32

	chILoad1 int
	chILoad2 int
	chVLoad  int

	pinDCCT1Status int
	pinDCCT2Status int
	pinDCCT1Active int
	pinDCCT2Active int

	numDCCTs  int
	shareMode fapShareMode

	kpShareModules float32
	dutyShareMax   float32

	maxRef, minRef       float32
	maxRefOL, minRefOL   float32
	maxDuty, minDuty     float32
	maxDutyOL, minDutyOL float32

	iLoadMax         float32
	vLoadMax         float32
	dcctsDiffMax     float32
	iIGBTMax         float32
	iIdleDCCTMax     float32
	iActiveDCCTMin   float32
	vDCLinkMax       float32
	vDCLinkMin       float32
	vDCLinkTurnOnMax float32

	waitClosed time.Duration
	waitOpened time.Duration
	pulseReset time.Duration
	stagger    time.Duration

	syncPeriodMin   int
	cyclesSinceSync int
	syncPeriod      float32

	signals *signalTable
}

func newFAP4P(deps Deps) (*fap4p, error) {
	p := deps.Profile
	b := newBinder(p)
	cfg := p.Control

	t := &fap4p{
		logger:   deps.Logger,
		clk:      deps.Clock,
		dispatch: deps.Dispatch,
		analog:   deps.Analog,
		pwm:      deps.PWM,
		io:       deps.IO,
	}

	fs := cfg.FreqSamplingHz
	t.shareSlicer = control.NewTimeSlicer(cfg.DecimationShare)
	fsShare := fs / float64(t.shareSlicer.Divisor())

	tbFreq := cfg.FreqTimebaseHz
	if tbFreq <= 0 {
		tbFreq = fs
	}
	t.tbSlicer = control.NewTimeSlicer(control.Decimation(fs, tbFreq))

	t.numDCCTs = int(b.limit("num_dccts"))
	t.chILoad1 = b.analog("i_load_1")
	t.chVLoad = b.analog("v_load")
	t.pinDCCT1Status = b.inPin("dcct_1_status")
	t.pinDCCT1Active = b.inPin("dcct_1_active")
	if t.numDCCTs > 1 {
		t.chILoad2 = b.analog("i_load_2")
		t.pinDCCT2Status = b.inPin("dcct_2_status")
		t.pinDCCT2Active = b.inPin("dcct_2_active")
	}

	t.ref = newRefPipeline(p, fs, &t.reference)
	t.errStage = dsp.NewError(&t.reference, &t.iLoadMean, &t.errILoad)
	t.piILoad = dsp.NewPI(
		b.gain("kp_i_load"), b.gain("ki_i_load"), float32(fs),
		float32(cfg.MaxDuty), float32(cfg.MinDuty),
		&t.errILoad, &t.dutyMean,
	)

	t.shareMode = fapShareMode(b.limitDefault("igbt_share_mode", 0))
	t.kpShareModules = b.gain("kp_i_share_modules")
	t.dutyShareMax = b.limit("duty_share_max")
	dutyDiffMax := b.limit("duty_diff_max")

	t.maxRef = float32(cfg.MaxRef)
	t.minRef = float32(cfg.MinRef)
	t.maxRefOL = float32(cfg.MaxRefOpenLoop)
	t.minRefOL = float32(cfg.MinRefOpenLoop)
	t.maxDuty = float32(cfg.MaxDuty)
	t.minDuty = float32(cfg.MinDuty)
	t.maxDutyOL = float32(cfg.MaxDutyOpenLoop)
	t.minDutyOL = float32(cfg.MinDutyOpenLoop)

	t.iLoadMax = b.limit("i_load_max")
	t.vLoadMax = b.limit("v_load_max")
	t.dcctsDiffMax = b.limit("dccts_diff_max")
	t.iIGBTMax = b.limit("i_igbt_max")
	t.iIdleDCCTMax = b.limit("i_idle_dcct_max")
	t.iActiveDCCTMin = b.limit("i_active_dcct_min")
	t.vDCLinkMax = b.limit("v_dclink_max")
	t.vDCLinkMin = b.limit("v_dclink_min")
	t.vDCLinkTurnOnMax = b.limit("v_dclink_turn_on_max")
	t.syncPeriodMin = int(b.limitDefault("sync_period_min_cycles", 0))

	t.waitClosed = time.Duration(p.Timeouts.ContactorClosedMs) * time.Millisecond
	t.waitOpened = time.Duration(p.Timeouts.ContactorOpenedMs) * time.Millisecond
	t.pulseReset = time.Duration(p.Timeouts.ResetPulseMs) * time.Millisecond
	t.stagger = time.Duration(p.Timeouts.ContactorStaggerMs) * time.Millisecond

	t.signals = newSignalTable()
	t.signals.add("i_load_1", &t.iLoad1)
	t.signals.add("i_load_2", &t.iLoad2)
	t.signals.add("i_load_mean", &t.iLoadMean)
	t.signals.add("i_load_diff", &t.iLoadDiff)
	t.signals.add("v_load", &t.vLoad)
	t.signals.add("reference", &t.reference)
	t.signals.add("error_i_load", &t.errILoad)
	t.signals.add("duty_mean", &t.dutyMean)
	t.signals.add("sync_period_cycles", &t.syncPeriod)

	for i := range t.mods {
		t.buildModule(i, b, float32(fsShare), dutyDiffMax)
	}

	t.module = ps.NewModule(ps.ModelFAP4P)
	t.ev = events.NewManager(tbFreq,
		eventsConfig(p.Interlocks, len(fapHardNames), len(fapSoftNames)),
		target{
			safeStop:  t.safeStop,
			interlock: func() { t.module.SetState(ps.Interlock) },
		})

	n := maxIndex(p.Channels.Analog)
	t.samples = make([]float32, n)
	t.bgSamples = make([]float32, n)

	if err := b.err(); err != nil {
		return nil, err
	}
	return t, nil
}

// buildModule wires one brick's channels and its IGBT pair balancing
// PI, which runs at the share sub-rate.
func (t *fap4p) buildModule(i int, b *binder, fsShare, dutyDiffMax float32) {
	m := &t.mods[i]
	n := strconv.Itoa(i + 1)

	m.chIIGBT1 = b.analog("i_igbt_1_mod_" + n)
	m.chIIGBT2 = b.analog("i_igbt_2_mod_" + n)
	m.chVDCLink = b.analog("v_dclink_mod_" + n)
	m.chPWM1 = b.pwm("igbt_1_mod_" + n)
	m.chPWM2 = b.pwm("igbt_2_mod_" + n)
	m.pinContactor = b.outPin("dclink_contactor_mod_" + n)
	m.pinContactorStatus = b.inPin("dclink_contactor_mod_" + n + "_status")

	m.sharePI = dsp.NewPI(
		b.gain("kp_i_share_mod_"+n), b.gain("ki_i_share_mod_"+n), fsShare,
		dutyDiffMax, -dutyDiffMax,
		&m.iIGBTDiff, &m.dutyDiff,
	)

	t.signals.add("i_igbt_1_mod_"+n, &m.iIGBT1)
	t.signals.add("i_igbt_2_mod_"+n, &m.iIGBT2)
	t.signals.add("v_dclink_mod_"+n, &m.vDCLink)
	t.signals.add("i_mod_"+n, &m.iMod)
	t.signals.add("i_igbts_diff_mod_"+n, &m.iIGBTDiff)
	t.signals.add("duty_share_mod_"+n, &m.dutyShare)
	t.signals.add("duty_diff_mod_"+n, &m.dutyDiff)
	t.signals.add("duty_igbt_1_mod_"+n, &m.duty1)
	t.signals.add("duty_igbt_2_mod_"+n, &m.duty2)
}

func (t *fap4p) Model() ps.Model               { return ps.ModelFAP4P }
func (t *fap4p) Modules() []*ps.Module         { return []*ps.Module{t.module} }
func (t *fap4p) Events() []*events.Manager     { return []*events.Manager{t.ev} }
func (t *fap4p) Ref() *RefPipeline             { return t.ref }
func (t *fap4p) SignalNames() []string         { return t.signals.names }
func (t *fap4p) Telemetry() map[string]float32 { return t.signals.snapshot() }

func (t *fap4p) Signal(name string) (*float32, bool) { return t.signals.lookup(name) }

func (t *fap4p) InterlockNames(module int) (hard, soft []string) {
	return fapHardNames, fapSoftNames
}

func (t *fap4p) AlarmNames(module int) []string { return fapAlarmNames }

func (t *fap4p) RunCycle() {
	t.analog.Read(t.samples)
	t.iLoad1 = t.samples[t.chILoad1]
	t.vLoad = t.samples[t.chVLoad]
	if t.numDCCTs > 1 {
		t.iLoad2 = t.samples[t.chILoad2]
		t.iLoadMean = 0.5 * (t.iLoad1 + t.iLoad2)
		t.iLoadDiff = t.iLoad1 - t.iLoad2
	} else {
		t.iLoad2 = 0
		t.iLoadMean = t.iLoad1
		t.iLoadDiff = 0
	}
	for i := range t.mods {
		m := &t.mods[i]
		m.iIGBT1 = t.samples[m.chIIGBT1]
		m.iIGBT2 = t.samples[m.chIIGBT2]
		m.vDCLink = t.samples[m.chVDCLink]
	}

	t.runController()

	if t.tbSlicer.Tick() {
		t.ev.SetTimebaseFlag()
	}
	t.cyclesSinceSync++
}

func (t *fap4p) runController() {
	state := t.module.State()
	if state <= ps.Interlock {
		return
	}

	t.ref.run(state, t.module.Setpoint())

	if t.module.OpenLoop() {
		t.reference = dsp.Saturate(t.reference, t.maxRefOL, t.minRefOL)
		duty := dsp.Saturate(0.01*t.reference, t.maxDutyOL, t.minDutyOL)
		for i := range t.mods {
			t.mods[i].duty1 = duty
			t.mods[i].duty2 = duty
		}
	} else {
		t.reference = dsp.Saturate(t.reference, t.maxRef, t.minRef)
		t.errStage.Run()
		t.piILoad.Run()

		if t.shareSlicer.Tick() {
			t.runShare()
		}

		for i := range t.mods {
			m := &t.mods[i]
			m.duty1 = dsp.Saturate(t.dutyMean+m.dutyShare-m.dutyDiff,
				t.maxDuty, t.minDuty)
			m.duty2 = dsp.Saturate(t.dutyMean+m.dutyShare+m.dutyDiff,
				t.maxDuty, t.minDuty)
		}
	}

	for i := range t.mods {
		m := &t.mods[i]
		t.pwm.SetDuty(m.chPWM1, m.duty1)
		t.pwm.SetDuty(m.chPWM2, m.duty2)
	}
	t.module.SetReference(t.reference)
}

// runShare refreshes the pair sums and diffs, then trims the duty
// corrections: the inter-module proportional term pulls every brick
// toward the mean module current, the per-module PIs balance each
// IGBT pair. Trims hold their last value between share ticks.
func (t *fap4p) runShare() {
	for i := range t.mods {
		m := &t.mods[i]
		m.iMod = m.iIGBT1 + m.iIGBT2
		m.iIGBTDiff = m.iIGBT1 - m.iIGBT2
	}

	if t.shareMode != fapShareAverageCurrent {
		return
	}

	mean := 0.25 * (t.mods[0].iMod + t.mods[1].iMod +
		t.mods[2].iMod + t.mods[3].iMod)
	for i := range t.mods {
		m := &t.mods[i]
		m.dutyShare = dsp.Saturate(t.kpShareModules*(mean-m.iMod),
			t.dutyShareMax, -t.dutyShareMax)
		m.sharePI.Run()
	}
}

// Reset returns the pipeline to its power-off state, zeroes all eight
// PWM duties and reopens the control loop. Contactors are left
// untouched.
func (t *fap4p) Reset() {
	t.ref.reset()
	t.errStage.Reset()
	t.piILoad.Reset()
	for i := range t.mods {
		m := &t.mods[i]
		m.sharePI.Reset()
		m.dutyShare = 0
		m.dutyDiff = 0
		m.duty1 = 0
		m.duty2 = 0
		t.pwm.SetDuty(m.chPWM1, 0)
		t.pwm.SetDuty(m.chPWM2, 0)
	}
	t.shareSlicer.Reset()
	t.module.SetOpenLoop(true)
	t.module.SetSetpoint(0)
	t.module.SetReference(0)
}

func (t *fap4p) SyncPulse() {
	if t.cyclesSinceSync < t.syncPeriodMin {
		t.ev.RaiseAlarm(fapHighSyncInputFrequency)
	}
	t.syncPeriod = float32(t.cyclesSinceSync)
	t.cyclesSinceSync = 0
	t.ref.Sync(t.module.State())
}

func (t *fap4p) CheckInterlocks() {
	t.analog.Read(t.bgSamples)

	iLoad1 := t.bgSamples[t.chILoad1]
	iLoad2 := float32(0)
	iLoadMean := iLoad1
	iLoadDiff := float32(0)
	if t.numDCCTs > 1 {
		iLoad2 = t.bgSamples[t.chILoad2]
		iLoadMean = 0.5 * (iLoad1 + iLoad2)
		iLoadDiff = iLoad1 - iLoad2
	}

	if !t.io.ReadPin(t.pinDCCT1Status) {
		t.ev.Raise(events.Soft, fapDCCT1Fault)
	}
	if t.numDCCTs > 1 && !t.io.ReadPin(t.pinDCCT2Status) {
		t.ev.Raise(events.Soft, fapDCCT2Fault)
	}
	t.checkDCCTFeedback(t.pinDCCT1Active, iLoad1, fapLoadFeedback1Fault)
	if t.numDCCTs > 1 {
		t.checkDCCTFeedback(t.pinDCCT2Active, iLoad2, fapLoadFeedback2Fault)
	}

	if abs32(iLoadMean) > t.iLoadMax {
		t.ev.Raise(events.Hard, fapLoadOvercurrent)
	}
	for i := range t.mods {
		m := &t.mods[i]
		if abs32(t.bgSamples[m.chIIGBT1]) > t.iIGBTMax {
			t.ev.Raise(events.Hard, fapFirstIGBTOvercurrent+2*i)
		}
		if abs32(t.bgSamples[m.chIIGBT2]) > t.iIGBTMax {
			t.ev.Raise(events.Hard, fapFirstIGBTOvercurrent+2*i+1)
		}
	}
	if abs32(iLoadDiff) > t.dcctsDiffMax {
		t.ev.Raise(events.Soft, fapDCCTHighDifference)
	}
	if abs32(t.bgSamples[t.chVLoad]) > t.vLoadMax {
		t.ev.Raise(events.Hard, fapLoadOvervoltage)
	}
	for i := range t.mods {
		if t.bgSamples[t.mods[i].chVDCLink] > t.vDCLinkMax {
			t.ev.Raise(events.Hard, fapFirstDCLinkOvervoltage+i)
		}
	}

	// Snapshot the contactor feedback before raising anything from
	// it: a commit opens every contactor, and evaluating pins read
	// after that would fault healthy modules.
	var closed [fapNumModules]bool
	for i := range t.mods {
		closed[i] = t.io.ReadPin(t.mods[i].pinContactorStatus)
	}

	if t.module.State() <= ps.Interlock {
		// A contactor reading closed while the supply sits de-energized
		// is stuck or welded.
		for i := range t.mods {
			if closed[i] {
				t.ev.Raise(events.Hard, fapFirstWeldedContactorFault+i)
			}
		}
		return
	}

	for i := range t.mods {
		if !closed[i] {
			t.ev.Raise(events.Hard, fapFirstOpenedContactorFault+i)
		}
	}

	// Re-read the state: an opened-contactor commit above must not be
	// overridden by the promotion below.
	state := t.module.State()
	if state == ps.Initializing {
		ready := true
		for i := range t.mods {
			if t.bgSamples[t.mods[i].chVDCLink] <= t.vDCLinkMin {
				ready = false
			}
		}
		if ready {
			t.module.SetState(ps.SlowRef)
			for i := range t.mods {
				t.pwm.EnableOutput(t.mods[i].chPWM1)
				t.pwm.EnableOutput(t.mods[i].chPWM2)
			}
			t.logger.Info("DC links charged, power supply on",
				zap.String("state", t.module.State().String()))
		}
	} else if state > ps.Initializing {
		for i := range t.mods {
			if t.bgSamples[t.mods[i].chVDCLink] < t.vDCLinkMin {
				t.ev.Raise(events.Hard, fapFirstDCLinkUndervoltage+i)
			}
		}
	}
}

// checkDCCTFeedback cross-checks a DCCT's active pin against the
// current it reports: an active transducer must read real current, an
// idle one must not.
func (t *fap4p) checkDCCTFeedback(activePin int, iLoad float32, ch int) {
	if t.io.ReadPin(activePin) {
		if abs32(iLoad) < t.iActiveDCCTMin {
			t.ev.Raise(events.Soft, ch)
		}
	} else if abs32(iLoad) > t.iIdleDCCTMax {
		t.ev.Raise(events.Soft, ch)
	}
}

// TurnOn precharges the four DC links: per-module overvoltage
// precheck, staggered contactor closes, one bounded settle wait, then
// per-pin verification. Success leaves the supply in Initializing;
// the background checks promote it to SlowRef once every DC link is
// charged.
func (t *fap4p) TurnOn(ctx context.Context) error {
	if st := t.module.State(); st != ps.Off {
		return fmt.Errorf("%w: turn on in state %s", types.ErrInvalidState, st)
	}

	t.analog.Read(t.bgSamples)
	for i := range t.mods {
		if t.bgSamples[t.mods[i].chVDCLink] > t.vDCLinkTurnOnMax {
			t.logger.Warn("DC link above turn-on ceiling",
				zap.Int("module", i+1))
			t.ev.Bypass(events.Hard, fapFirstDCLinkOvervoltage+i)
			t.ev.Raise(events.Hard, fapFirstDCLinkOvervoltage+i)
		}
	}
	if t.module.State() != ps.Off {
		return nil
	}

	for i := range t.mods {
		if i > 0 {
			if err := sleepCtx(ctx, t.clk, t.stagger); err != nil {
				t.shutdownSequence(ctx)
				return err
			}
		}
		t.io.SetPin(t.mods[i].pinContactor, true)
	}
	if err := sleepCtx(ctx, t.clk, t.waitClosed); err != nil {
		t.shutdownSequence(ctx)
		return err
	}

	for i := range t.mods {
		if !t.io.ReadPin(t.mods[i].pinContactorStatus) {
			t.logger.Warn("DC-link contactor failed to close",
				zap.Int("module", i+1))
			t.ev.Bypass(events.Hard, fapFirstOpenedContactorFault+i)
			t.ev.Raise(events.Hard, fapFirstOpenedContactorFault+i)
			return nil
		}
	}

	t.module.SetState(ps.Initializing)
	t.logger.Info("DC links precharging",
		zap.String("state", t.module.State().String()))
	return nil
}

func (t *fap4p) TurnOff(ctx context.Context) error {
	t.shutdownSequence(ctx)
	if t.module.State() != ps.Interlock {
		t.module.SetState(ps.Off)
	}
	return nil
}

// ResetInterlocks clears the latched masks and alarms. While the
// supply is down it also pulse-resets any contactor whose status pin
// still reads closed, trying to shake a stuck armature loose before
// declaring the supply Off.
func (t *fap4p) ResetInterlocks(ctx context.Context) error {
	t.ev.ClearAll()
	if t.module.State() >= ps.Initializing {
		return nil
	}

	for i := range t.mods {
		if !t.io.ReadPin(t.mods[i].pinContactorStatus) {
			continue
		}
		t.logger.Warn("pulse-resetting DC-link contactor",
			zap.Int("module", i+1))
		t.io.SetPin(t.mods[i].pinContactor, true)
		if err := sleepCtx(ctx, t.clk, t.pulseReset); err != nil {
			t.io.SetPin(t.mods[i].pinContactor, false)
			return err
		}
		t.io.SetPin(t.mods[i].pinContactor, false)
		if err := sleepCtx(ctx, t.clk, t.pulseReset); err != nil {
			return err
		}
	}
	if err := sleepCtx(ctx, t.clk, t.waitOpened); err != nil {
		return err
	}
	t.module.SetState(ps.Off)
	return nil
}

func (t *fap4p) safeStop() {
	if t.module.State() == ps.Interlock {
		return
	}
	t.shutdownSequence(context.Background())
}

// shutdownSequence de-energizes the converter: all eight PWM outputs
// off before the contactors open, one settle wait, then a pipeline
// reset on the control goroutine.
func (t *fap4p) shutdownSequence(ctx context.Context) {
	for i := range t.mods {
		t.pwm.DisableOutput(t.mods[i].chPWM1)
		t.pwm.DisableOutput(t.mods[i].chPWM2)
	}
	for i := range t.mods {
		t.io.SetPin(t.mods[i].pinContactor, false)
	}
	_ = sleepCtx(ctx, t.clk, t.waitOpened)
	t.dispatch(t.Reset)
}
