// Package topology implements the converter topologies as declarative
// wirings of DSP stages over named signal cells. A topology owns its
// whole control pipeline (filters, controllers, signal generator,
// waveform player), its supply modules and their interlock managers;
// the supply controller drives it through the Topology interface.
package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/events"
	"github.com/opensupply/OpenSupplyCore/internal/hal"
	"github.com/opensupply/OpenSupplyCore/internal/ps"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// Deps carries everything a topology needs to build its pipeline.
// Dispatch runs a closure on the control goroutine and returns after
// it executed; topologies use it for every pipeline mutation that
// happens outside the control context.
type Deps struct {
	Profile  *types.SupplyProfileDefinition
	Analog   hal.AnalogSource
	PWM      hal.PWMSink
	IO       hal.DigitalIO
	Clock    clock.Clock
	Logger   *zap.Logger
	Dispatch func(func())
}

// Topology is the capability interface every converter implements.
//
// RunCycle, Reset, SyncPulse and Telemetry execute on the control
// goroutine. CheckInterlocks, TurnOn, TurnOff and ResetInterlocks
// execute on the supply's background goroutine, which also serializes
// them against each other.
type Topology interface {
	Model() ps.Model
	Modules() []*ps.Module
	Events() []*events.Manager
	InterlockNames(module int) (hard, soft []string)
	AlarmNames(module int) []string
	Ref() *RefPipeline
	Signal(name string) (*float32, bool)
	SignalNames() []string
	Telemetry() map[string]float32

	RunCycle()
	Reset()
	SyncPulse()
	CheckInterlocks()
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	ResetInterlocks(ctx context.Context) error
}

// New builds the named topology. The registry is explicit: every
// supported converter is listed here.
func New(name string, deps Deps) (Topology, error) {
	switch name {
	case "fbp":
		return newFBP(deps)
	case "fac_2p4s_acdc":
		return newFAC2P4SACDC(deps)
	case "fap_4p":
		return newFAP4P(deps)
	}
	return nil, fmt.Errorf("unknown topology %q", name)
}

// Names lists the supported topologies.
func Names() []string {
	return []string{"fbp", "fac_2p4s_acdc", "fap_4p"}
}

// target adapts a topology's protective actions to the events manager.
type target struct {
	safeStop  func()
	interlock func()
}

func (t target) SafeStop()       { t.safeStop() }
func (t target) EnterInterlock() { t.interlock() }

// sleepCtx waits d on the injected clock, honoring cancellation.
func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// eventsConfig expands the profile timing arrays to the topology's
// channel counts. Channels without configured timing debounce
// immediately.
func eventsConfig(t types.InterlockTiming, numHard, numSoft int) events.Config {
	return events.Config{
		HardDebounceTimeUs: padTimes(t.HardDebounceTimeUs, numHard),
		HardResetTimeUs:    padTimes(t.HardResetTimeUs, numHard),
		SoftDebounceTimeUs: padTimes(t.SoftDebounceTimeUs, numSoft),
		SoftResetTimeUs:    padTimes(t.SoftResetTimeUs, numSoft),
	}
}

func padTimes(times []uint32, n int) []uint32 {
	out := make([]uint32, n)
	copy(out, times)
	return out
}

// binder resolves profile channel and gain names at build time and
// collects everything missing into one error.
type binder struct {
	profile *types.SupplyProfileDefinition
	missing []string
}

func newBinder(p *types.SupplyProfileDefinition) *binder {
	return &binder{profile: p}
}

func (b *binder) analog(name string) int {
	if ch, ok := b.profile.Channels.Analog[name]; ok {
		return ch
	}
	b.missing = append(b.missing, "analog:"+name)
	return 0
}

func (b *binder) pwm(name string) int {
	if ch, ok := b.profile.Channels.PWM[name]; ok {
		return ch
	}
	b.missing = append(b.missing, "pwm:"+name)
	return 0
}

func (b *binder) inPin(name string) int {
	if pin, ok := b.profile.Channels.DigitalIn[name]; ok {
		return pin
	}
	b.missing = append(b.missing, "digital_in:"+name)
	return 0
}

func (b *binder) outPin(name string) int {
	if pin, ok := b.profile.Channels.DigitalOut[name]; ok {
		return pin
	}
	b.missing = append(b.missing, "digital_out:"+name)
	return 0
}

func (b *binder) gain(name string) float32 {
	if v, ok := b.profile.Control.Gains[name]; ok {
		return float32(v)
	}
	b.missing = append(b.missing, "gain:"+name)
	return 0
}

func (b *binder) gainDefault(name string, def float64) float32 {
	if v, ok := b.profile.Control.Gains[name]; ok {
		return float32(v)
	}
	return float32(def)
}

func (b *binder) limit(name string) float32 {
	if v, ok := b.profile.Limits[name]; ok {
		return float32(v)
	}
	b.missing = append(b.missing, "limit:"+name)
	return 0
}

func (b *binder) limitDefault(name string, def float64) float32 {
	if v, ok := b.profile.Limits[name]; ok {
		return float32(v)
	}
	return float32(def)
}

func (b *binder) err() error {
	if len(b.missing) == 0 {
		return nil
	}
	return fmt.Errorf("profile %s: unresolved bindings %v",
		b.profile.SupplyProfile.ID, b.missing)
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// maxIndex returns one past the highest channel index in m, so read
// buffers can be sized to cover every mapped channel.
func maxIndex(m map[string]int) int {
	max := 0
	for _, ch := range m {
		if ch+1 > max {
			max = ch + 1
		}
	}
	return max
}

// signalTable names the observable cells of a wiring for the scope
// and telemetry surfaces.
type signalTable struct {
	names []string
	cells map[string]*float32
}

func newSignalTable() *signalTable {
	return &signalTable{cells: make(map[string]*float32)}
}

func (s *signalTable) add(name string, cell *float32) {
	if _, dup := s.cells[name]; !dup {
		s.names = append(s.names, name)
	}
	s.cells[name] = cell
}

func (s *signalTable) lookup(name string) (*float32, bool) {
	c, ok := s.cells[name]
	return c, ok
}

func (s *signalTable) snapshot() map[string]float32 {
	out := make(map[string]float32, len(s.cells))
	for name, cell := range s.cells {
		out[name] = *cell
	}
	return out
}
