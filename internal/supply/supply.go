// Package supply couples one converter topology to its control loop,
// command inbox and service surfaces. Each supply owns exactly two
// long-lived goroutines: the control loop runs the pipeline at the
// sampling rate, and the background goroutine drains the command
// inbox and polls interlock conditions. Commands from REST, sequences
// and monitors all funnel through Execute, so every multi-step
// hardware sequence is serialized with the pin checks by
// construction.
package supply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/control"
	"github.com/opensupply/OpenSupplyCore/internal/dsp"
	"github.com/opensupply/OpenSupplyCore/internal/events"
	"github.com/opensupply/OpenSupplyCore/internal/hal"
	"github.com/opensupply/OpenSupplyCore/internal/params"
	"github.com/opensupply/OpenSupplyCore/internal/ps"
	"github.com/opensupply/OpenSupplyCore/internal/scope"
	"github.com/opensupply/OpenSupplyCore/internal/siggen"
	"github.com/opensupply/OpenSupplyCore/internal/topology"
	"github.com/opensupply/OpenSupplyCore/internal/types"
	"github.com/opensupply/OpenSupplyCore/internal/wfmref"
)

const (
	defaultPollInterval = 10 * time.Millisecond
	defaultScopeFrame   = 256
	inboxDepth          = 16
	dispatchDepth       = 16
)

// Config assembles one supply. Name defaults to the profile id, Clock
// to the wall clock and Monitor to a no-op.
type Config struct {
	Name    string
	Profile *types.SupplyProfileDefinition
	Analog  hal.AnalogSource
	PWM     hal.PWMSink
	IO      hal.DigitalIO
	Plant   hal.Plant
	Clock   clock.Clock
	Logger  *zap.Logger
	Monitor Monitor
}

type request struct {
	cmd   Command
	reply chan error
}

type dispatchReq struct {
	fn   func()
	done chan struct{}
}

// moduleShadow is the background goroutine's last published view of
// one module, used to detect edges between passes.
type moduleShadow struct {
	state  ps.State
	hard   uint32
	soft   uint32
	alarms uint32
}

// Supply runs one power supply. The control goroutine owns the
// pipeline; every mutation from outside it goes through runOnControl.
// The background goroutine owns command handling, interlock polling
// and the shadow state behind change publication.
type Supply struct {
	name    string
	profile *types.SupplyProfileDefinition
	top     topology.Topology
	bank    *params.Bank
	scope   *scope.Scope
	loop    *control.Loop
	plant   hal.Plant
	clk     clock.Clock
	logger  *zap.Logger
	monitor Monitor

	dt         float64
	pollPeriod time.Duration
	maxRef     float32
	minRef     float32

	inbox    chan request
	dispatch chan dispatchReq
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	shadow     []moduleShadow
	hardNames  [][]string
	softNames  [][]string
	alarmNames [][]string

	pendingSetpoint float32
	hasPending      bool

	mu          sync.Mutex
	started     bool
	stopped     bool
	loopStopped bool
	lastFrame   scope.Frame
}

// New builds the supply: topology, parameter bank, scope and control
// loop. Nothing runs until Start.
func New(cfg Config) (*Supply, error) {
	if cfg.Profile == nil {
		return nil, fmt.Errorf("supply config: profile required")
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Profile.SupplyProfile.ID
	}
	if name == "" {
		return nil, fmt.Errorf("supply config: name required")
	}
	ctl := cfg.Profile.Control
	if ctl.FreqSamplingHz <= 0 {
		return nil, fmt.Errorf("supply %s: sampling frequency required", name)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := cfg.Monitor
	if monitor == nil {
		monitor = NopMonitor{}
	}

	s := &Supply{
		name:        name,
		profile:     cfg.Profile,
		plant:       cfg.Plant,
		clk:         clk,
		logger:      logger,
		monitor:     monitor,
		dt:          1 / ctl.FreqSamplingHz,
		pollPeriod:  defaultPollInterval,
		maxRef:      float32(ctl.MaxRef),
		minRef:      float32(ctl.MinRef),
		inbox:       make(chan request, inboxDepth),
		dispatch:    make(chan dispatchReq, dispatchDepth),
		stopChan:    make(chan struct{}),
		loopStopped: true,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if ctl.PollIntervalMs > 0 {
		s.pollPeriod = time.Duration(ctl.PollIntervalMs) * time.Millisecond
	}

	top, err := topology.New(cfg.Profile.SupplyProfile.Topology, topology.Deps{
		Profile:  cfg.Profile,
		Analog:   cfg.Analog,
		PWM:      cfg.PWM,
		IO:       cfg.IO,
		Clock:    clk,
		Logger:   logger,
		Dispatch: s.runOnControl,
	})
	if err != nil {
		return nil, fmt.Errorf("supply %s: %w", name, err)
	}
	s.top = top

	s.bank = params.NewBank()
	top.Ref().RegisterParams(s.bank)

	sigName := ctl.ScopeSignal
	if sigName == "" {
		sigName = top.SignalNames()[0]
	}
	src, ok := top.Signal(sigName)
	if !ok {
		return nil, fmt.Errorf("supply %s: unknown scope signal %q", name, sigName)
	}
	frame := ctl.ScopeFrameSize
	if frame <= 0 {
		frame = defaultScopeFrame
	}
	s.scope = scope.New(sigName, src, frame, ctl.DecimationBuffer)

	s.loop = control.NewLoop(name, ctl.FreqSamplingHz, s.cycle, clk, logger)

	mods := top.Modules()
	s.shadow = make([]moduleShadow, len(mods))
	s.hardNames = make([][]string, len(mods))
	s.softNames = make([][]string, len(mods))
	s.alarmNames = make([][]string, len(mods))
	for i, m := range mods {
		s.shadow[i].state = m.State()
		s.hardNames[i], s.softNames[i] = top.InterlockNames(i)
		s.alarmNames[i] = top.AlarmNames(i)
	}
	return s, nil
}

func (s *Supply) Name() string                            { return s.name }
func (s *Supply) Profile() *types.SupplyProfileDefinition { return s.profile }

func (s *Supply) leader() *ps.Module { return s.top.Modules()[0] }

// Start brings up the control loop, the background command and
// polling goroutine and the scope pump.
func (s *Supply) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.loopStopped = false
	s.mu.Unlock()

	if err := s.loop.Start(); err != nil {
		return err
	}
	s.wg.Add(2)
	go s.background()
	go s.pumpScope()

	s.logger.Info("Supply started",
		zap.String("supply", s.name),
		zap.String("topology", s.profile.SupplyProfile.Topology),
		zap.Duration("poll_interval", s.pollPeriod))
	return nil
}

// Stop cancels any in-flight bring-up sequence, stops both goroutines
// and the control loop, then runs leftover dispatched closures
// inline. A stopped supply cannot be restarted.
func (s *Supply) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	close(s.stopChan)
	s.wg.Wait()
	s.loop.Stop()

	s.mu.Lock()
	s.loopStopped = true
	s.mu.Unlock()
	s.drainDispatch()

	s.logger.Info("Supply stopped", zap.String("supply", s.name))
}

// Running reports whether the goroutines are up.
func (s *Supply) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// cycle is one control tick: pending pipeline mutations, the topology
// pipeline, the simulated plant and the scope.
func (s *Supply) cycle() {
	s.drainDispatch()
	s.top.RunCycle()
	if s.plant != nil {
		s.plant.Step(s.dt)
	}
	s.scope.Run()
}

func (s *Supply) drainDispatch() {
	for {
		select {
		case req := <-s.dispatch:
			req.fn()
			close(req.done)
		default:
			return
		}
	}
}

// runOnControl executes fn on the control goroutine between cycles
// and returns after it ran. While the loop is down it runs fn inline;
// Stop drains stragglers, so a waiter never hangs across shutdown.
func (s *Supply) runOnControl(fn func()) {
	s.mu.Lock()
	if s.loopStopped {
		s.mu.Unlock()
		fn()
		return
	}
	req := dispatchReq{fn: fn, done: make(chan struct{})}
	s.dispatch <- req
	s.mu.Unlock()
	<-req.done
}

// background serializes command handling with interlock polling: one
// goroutine owns both, so a bring-up sequence can never interleave
// with a pin check.
func (s *Supply) background() {
	defer s.wg.Done()

	ticker := s.clk.Ticker(s.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case req := <-s.inbox:
			req.reply <- s.handle(req.cmd)
			s.publishChanges(string(req.cmd.Op))
		case <-ticker.C:
			s.pollPass()
			s.publishChanges("")
		}
	}
}

// pollPass is one background supervision step.
func (s *Supply) pollPass() {
	s.top.CheckInterlocks()
	for _, ev := range s.top.Events() {
		ev.Tick()
	}
}

// Execute posts cmd to the inbox and waits for the handler's reply or
// ctx cancellation. A canceled wait does not abort the command; an
// accepted hardware sequence always runs to completion. GetStatus
// answers from the snapshot surfaces and skips the inbox.
func (s *Supply) Execute(ctx context.Context, cmd Command) error {
	if !s.Running() {
		return fmt.Errorf("%w: %s", ErrNotRunning, s.name)
	}
	if cmd.Op == OpGetStatus {
		return nil
	}

	req := request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case s.inbox <- req:
	case <-s.stopChan:
		return fmt.Errorf("%w: %s", ErrNotRunning, s.name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.stopChan:
		return fmt.Errorf("%w: %s", ErrNotRunning, s.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supply) handle(cmd Command) error {
	s.logger.Info("Supply command received",
		zap.String("supply", s.name),
		zap.String("op", string(cmd.Op)),
		zap.String("state", s.leader().State().String()))

	switch cmd.Op {
	case OpTurnOn:
		return s.top.TurnOn(s.ctx)
	case OpTurnOff:
		s.hasPending = false
		return s.top.TurnOff(s.ctx)
	case OpResetInterlocks:
		return s.top.ResetInterlocks(s.ctx)
	case OpSetSlowRef:
		return s.setSlowRef(cmd, ps.SlowRef)
	case OpSetSlowRefSync:
		return s.setSlowRef(cmd, ps.SlowRefSync)
	case OpSelectOpMode:
		return s.selectOpMode(cmd)
	case OpOpenLoop:
		return s.setLoopState(true)
	case OpCloseLoop:
		return s.setLoopState(false)
	case OpConfigSigGen:
		return s.configSigGen(cmd)
	case OpEnableSigGen:
		s.runOnControl(s.top.Ref().SigGen().Enable)
		return nil
	case OpDisableSigGen:
		s.runOnControl(s.top.Ref().SigGen().Disable)
		return nil
	case OpSelectWfmRef:
		return s.selectWfmRef(cmd)
	case OpSetParam:
		return s.setParam(cmd)
	case OpSetInterlock:
		return s.setInterlock(cmd)
	case OpSyncPulse:
		s.syncPulse()
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, string(cmd.Op))
}

// setSlowRef updates the tracking setpoint. In SlowRefSync the value
// is staged and applied by the next sync pulse.
func (s *Supply) setSlowRef(cmd Command, want ps.State) error {
	st := s.leader().State()
	if st != want {
		return fmt.Errorf("%w: %s in state %s", types.ErrInvalidState, cmd.Op, st)
	}
	v := dsp.Saturate(float32(cmd.Value), s.maxRef, s.minRef)
	if want == ps.SlowRefSync {
		s.pendingSetpoint = v
		s.hasPending = true
		return nil
	}
	s.leader().SetSetpoint(v)
	return nil
}

func (s *Supply) selectOpMode(cmd Command) error {
	target, err := ps.ParseState(cmd.Mode)
	if err != nil {
		return err
	}
	if !s.leader().SelectOpMode(target) {
		return fmt.Errorf("%w: select_op_mode %s in state %s",
			types.ErrInvalidState, target, s.leader().State())
	}
	s.hasPending = false
	if target == ps.RmpWfm || target == ps.MigWfm {
		s.runOnControl(s.top.Ref().WfmRef().Reset)
	}
	return nil
}

// setLoopState flips open loop on the leader. Gated to Off and
// SlowRef so the loop never changes character mid-waveform.
func (s *Supply) setLoopState(open bool) error {
	st := s.leader().State()
	if st != ps.Off && st != ps.SlowRef {
		op := OpCloseLoop
		if open {
			op = OpOpenLoop
		}
		return fmt.Errorf("%w: %s in state %s", types.ErrInvalidState, op, st)
	}
	s.leader().SetOpenLoop(open)
	return nil
}

func (s *Supply) configSigGen(cmd Command) error {
	cfg := cmd.SigGen
	if cfg == nil {
		return fmt.Errorf("cfg_siggen: missing arguments")
	}
	typ, err := siggen.TypeFromString(cfg.Type)
	if err != nil {
		return err
	}
	aux := make([]float32, len(cfg.AuxParams))
	for i, v := range cfg.AuxParams {
		aux[i] = float32(v)
	}

	ok := false
	s.runOnControl(func() {
		if s.top.Ref().SigGen().Enabled() {
			return
		}
		s.top.Ref().StageSigGen(typ, cfg.NumCycles, float32(cfg.Freq),
			float32(cfg.Amplitude), float32(cfg.Offset), aux)
		ok = s.top.Ref().ApplySigGen()
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrSigGenBusy, s.name)
	}
	return nil
}

func (s *Supply) selectWfmRef(cmd Command) error {
	sel := cmd.WfmRef
	if sel == nil {
		return fmt.Errorf("select_wfmref: missing arguments")
	}
	st := s.leader().State()
	if st == ps.RmpWfm || st == ps.MigWfm {
		return fmt.Errorf("%w: select_wfmref in state %s", types.ErrInvalidState, st)
	}

	mode := wfmref.SyncMode(uint16(s.bank.Get(params.WfmRefSyncMode, 0)))
	if sel.SyncMode != "" {
		m, err := topology.ParseSyncMode(sel.SyncMode)
		if err != nil {
			return err
		}
		mode = m
	}
	gain := s.bank.Get(params.WfmRefGain, 0)
	if sel.Gain != nil {
		gain = float32(*sel.Gain)
	}
	offset := s.bank.Get(params.WfmRefOffset, 0)
	if sel.Offset != nil {
		offset = float32(*sel.Offset)
	}

	var samples []float32
	if len(sel.Samples) > 0 {
		samples = make([]float32, len(sel.Samples))
		for i, v := range sel.Samples {
			samples[i] = float32(v)
		}
	} else if sel.Table < 0 || sel.Table >= s.top.Ref().WfmRef().NumTables() {
		return fmt.Errorf("%w: waveform table %d", types.ErrNotFound, sel.Table)
	}

	var err error
	s.runOnControl(func() {
		if samples != nil {
			if err = s.top.Ref().WfmRef().SetTable(sel.Table, samples); err != nil {
				return
			}
		}
		s.top.Ref().StageWfmRef(uint16(sel.Table), mode, gain, offset)
		s.top.Ref().ApplyWfmRef()
	})
	return err
}

func (s *Supply) setParam(cmd Command) error {
	w := cmd.Param
	if w == nil {
		return fmt.Errorf("set_param: missing arguments")
	}
	id, err := params.ParseID(w.Name)
	if err != nil {
		return fmt.Errorf("%w: %q", types.ErrUnknownParam, w.Name)
	}
	ok := false
	s.runOnControl(func() {
		ok = s.bank.Set(id, w.Index, float32(w.Value))
	})
	if !ok {
		return fmt.Errorf("%w: %s[%d]", types.ErrNotFound, w.Name, w.Index)
	}
	return nil
}

// setInterlock force-commits one interlock channel, bypassing
// debounce. It exists for commissioning and fault-injection tests.
func (s *Supply) setInterlock(cmd Command) error {
	evs := s.top.Events()
	if cmd.Module < 0 || cmd.Module >= len(evs) {
		return fmt.Errorf("%w: module %d", types.ErrNotFound, cmd.Module)
	}
	set := events.Hard
	switch cmd.Set {
	case "", "hard":
	case "soft":
		set = events.Soft
	default:
		return fmt.Errorf("unknown interlock set %q", cmd.Set)
	}
	ev := evs[cmd.Module]
	n := ev.NumHard()
	if set == events.Soft {
		n = ev.NumSoft()
	}
	if cmd.Bit < 0 || cmd.Bit >= n {
		return fmt.Errorf("%w: %s interlock %d", types.ErrNotFound, set, cmd.Bit)
	}
	ev.Bypass(set, cmd.Bit)
	ev.Raise(set, cmd.Bit)
	return nil
}

// syncPulse delivers a software synchronization edge: a staged
// SlowRefSync setpoint applies first, then the topology's sync path
// runs on the control goroutine.
func (s *Supply) syncPulse() {
	if s.hasPending && s.leader().State() == ps.SlowRefSync {
		s.leader().SetSetpoint(s.pendingSetpoint)
		s.hasPending = false
	}
	s.runOnControl(s.top.SyncPulse)
}

// publishChanges diffs module state and latched masks against the
// last published view and notifies the monitor of every edge. A
// transition into Interlock takes the first freshly committed
// interlock as its reason.
func (s *Supply) publishChanges(reason string) {
	evs := s.top.Events()
	for i, m := range s.top.Modules() {
		sh := &s.shadow[i]
		hard := evs[i].HardMask()
		soft := evs[i].SoftMask()
		alarms := evs[i].Alarms()

		var committed []string
		committed = s.diffInterlocks(i, events.Hard, sh.hard, hard, s.hardNames[i], committed)
		committed = s.diffInterlocks(i, events.Soft, sh.soft, soft, s.softNames[i], committed)
		s.diffAlarms(i, sh.alarms, alarms)
		sh.hard, sh.soft, sh.alarms = hard, soft, alarms

		st := m.State()
		if st == sh.state {
			continue
		}
		r := reason
		if st == ps.Interlock && len(committed) > 0 {
			r = committed[0]
		} else if r == "" && st == ps.SlowRef && sh.state == ps.Initializing {
			r = "ready"
		}
		s.logger.Info("Supply state changed",
			zap.String("supply", s.name),
			zap.Int("module", i+1),
			zap.String("from", sh.state.String()),
			zap.String("to", st.String()),
			zap.String("reason", r))
		s.monitor.StateChanged(s.name, i, sh.state, st, r)
		sh.state = st
	}
}

func (s *Supply) diffInterlocks(module int, set events.Set, old, cur uint32, names []string, committed []string) []string {
	changed := old ^ cur
	for bit := 0; changed != 0 && bit < len(names); bit++ {
		mask := uint32(1) << bit
		if changed&mask == 0 {
			continue
		}
		changed &^= mask
		active := cur&mask != 0
		if active {
			s.logger.Warn("Interlock committed",
				zap.String("supply", s.name),
				zap.Int("module", module+1),
				zap.String("set", set.String()),
				zap.String("interlock", names[bit]))
			committed = append(committed, names[bit])
		}
		s.monitor.InterlockChanged(s.name, module, set, bit, names[bit], active)
	}
	return committed
}

func (s *Supply) diffAlarms(module int, old, cur uint32) {
	changed := old ^ cur
	names := s.alarmNames[module]
	for bit := 0; changed != 0 && bit < len(names); bit++ {
		mask := uint32(1) << bit
		if changed&mask == 0 {
			continue
		}
		changed &^= mask
		active := cur&mask != 0
		if active {
			s.logger.Info("Alarm raised",
				zap.String("supply", s.name),
				zap.Int("module", module+1),
				zap.String("alarm", names[bit]))
		}
		s.monitor.AlarmChanged(s.name, module, bit, names[bit], active)
	}
}

// Status snapshots the supply from its lock-free surfaces. Safe from
// any goroutine.
func (s *Supply) Status() Status {
	mods := s.top.Modules()
	evs := s.top.Events()
	st := Status{
		Supply:   s.name,
		Topology: s.profile.SupplyProfile.Topology,
		Model:    s.top.Model().String(),
		Running:  s.Running(),
		Modules:  make([]ModuleStatus, len(mods)),
	}
	for i, m := range mods {
		hard := evs[i].HardMask()
		soft := evs[i].SoftMask()
		alarms := evs[i].Alarms()
		st.Modules[i] = ModuleStatus{
			Module:         i,
			State:          m.State().String(),
			StatusWord:     m.StatusWord(),
			OpenLoop:       m.OpenLoop(),
			Setpoint:       m.Setpoint(),
			Reference:      m.Reference(),
			HardInterlocks: hard,
			SoftInterlocks: soft,
			Alarms:         alarms,
			HardNames:      maskNames(hard, s.hardNames[i]),
			SoftNames:      maskNames(soft, s.softNames[i]),
			AlarmNames:     maskNames(alarms, s.alarmNames[i]),
		}
	}
	return st
}

// maskNames decodes the set bits of mask into their declared names.
func maskNames(mask uint32, names []string) []string {
	if mask == 0 {
		return nil
	}
	var out []string
	for bit, name := range names {
		if mask&(uint32(1)<<bit) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// Telemetry snapshots the live signal cells via the control
// goroutine.
func (s *Supply) Telemetry() map[string]float32 {
	var snap map[string]float32
	s.runOnControl(func() { snap = s.top.Telemetry() })
	return snap
}

// ParamValues snapshots one parameter slot via the control goroutine.
func (s *Supply) ParamValues(name string) ([]float64, error) {
	id, err := params.ParseID(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownParam, name)
	}
	var out []float64
	s.runOnControl(func() {
		n := s.bank.Count(id)
		if n == 0 {
			return
		}
		out = make([]float64, n)
		for i := range out {
			out[i] = float64(s.bank.Get(id, i))
		}
	})
	if out == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, name)
	}
	return out, nil
}

// ParamNames lists the slots wired on this supply.
func (s *Supply) ParamNames() []string {
	var out []string
	s.runOnControl(func() {
		for _, id := range params.IDs() {
			if s.bank.Count(id) > 0 {
				out = append(out, id.String())
			}
		}
	})
	return out
}

// LastScopeFrame returns the most recent captured frame. The samples
// slice is never rewritten after publication.
func (s *Supply) LastScopeFrame() (scope.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame, s.lastFrame.Samples != nil
}

// SetScopeSource rewires the scope to another wired signal.
func (s *Supply) SetScopeSource(signal string) error {
	src, ok := s.top.Signal(signal)
	if !ok {
		return fmt.Errorf("%w: signal %q", types.ErrNotFound, signal)
	}
	s.runOnControl(func() { s.scope.SetSource(signal, src) })
	return nil
}

// pumpScope copies finished frames out of the capture path, retains
// the newest for the status surfaces and recycles the buffers.
func (s *Supply) pumpScope() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case f := <-s.scope.Frames():
			samples := make([]float32, len(f.Samples))
			copy(samples, f.Samples)
			s.scope.Recycle(f)

			out := scope.Frame{Signal: f.Signal, Seq: f.Seq, Samples: samples}
			s.mu.Lock()
			s.lastFrame = out
			s.mu.Unlock()
			s.monitor.ScopeFrame(s.name, out)
		}
	}
}
