// Package events implements the per-module fault latch: debounced hard and
// soft interlock channels plus an undebounced alarm register. A condition
// must persist across enough time-base ticks to commit; transients that
// clear before the reset threshold are forgiven without trace.
package events

import (
	"sync"
	"sync/atomic"
)

// Set selects one of the two independent interlock channel groups.
type Set int

const (
	Hard Set = iota
	Soft
)

func (s Set) String() string {
	if s == Hard {
		return "hard"
	}
	return "soft"
}

const (
	// MaxChannels bounds each set to one 32-bit mask.
	MaxChannels = 32

	// Debounce times are capped so a misconfigured channel can never be
	// effectively masked out.
	MaxDebounceTimeUs = 5_000_000

	// Reset times are capped so a misconfigured channel can never hold
	// its counter forever.
	MaxResetTimeUs = 10_000_000
)

// Target receives the protective action when a fault commits. SafeStop
// must be idempotent: concurrent commits on different channels may invoke
// it back to back.
type Target interface {
	SafeStop()
	EnterInterlock()
}

type channel struct {
	flag          bool
	counter       uint32
	debounceCount uint32
	resetCount    uint32
}

// Config carries per-channel debounce and reset times in microseconds.
// The slice lengths define how many channels each set has.
type Config struct {
	HardDebounceTimeUs []uint32
	HardResetTimeUs    []uint32
	SoftDebounceTimeUs []uint32
	SoftResetTimeUs    []uint32
}

// Manager is the fault latch for one power-supply module. Raise may be
// called from the background checks and from the command context; Tick
// runs on the background context only. The control loop touches nothing
// but the time-base flag.
type Manager struct {
	freqTimebase float64

	timebase atomic.Bool

	mu       sync.Mutex
	hard     []channel
	soft     []channel
	hardMask uint32
	softMask uint32
	alarms   uint32

	target Target
}

// NewManager derives tick counts from the configured microsecond times at
// the given time-base frequency and binds the protective target.
func NewManager(freqTimebase float64, cfg Config, target Target) *Manager {
	m := &Manager{freqTimebase: freqTimebase, target: target}
	m.hard = buildChannels(freqTimebase, cfg.HardDebounceTimeUs, cfg.HardResetTimeUs)
	m.soft = buildChannels(freqTimebase, cfg.SoftDebounceTimeUs, cfg.SoftResetTimeUs)
	return m
}

func buildChannels(freq float64, debounceUs, resetUs []uint32) []channel {
	n := len(debounceUs)
	if n > MaxChannels {
		n = MaxChannels
	}

	maxResetCounts := uint32(freq * MaxResetTimeUs * 1e-6)

	chs := make([]channel, n)
	for i := range chs {
		dbUs := debounceUs[i]
		if dbUs > MaxDebounceTimeUs {
			dbUs = MaxDebounceTimeUs
		}

		var rsUs uint32
		if i < len(resetUs) {
			rsUs = resetUs[i]
		}

		chs[i].debounceCount = uint32(freq * float64(dbUs) * 1e-6)
		chs[i].resetCount = uint32(freq * float64(rsUs) * 1e-6)

		// A reset threshold at or below the debounce threshold would
		// forgive every fault before it could commit.
		if chs[i].resetCount < chs[i].debounceCount+1 {
			chs[i].resetCount = chs[i].debounceCount + 1
		}
		if chs[i].resetCount > maxResetCounts {
			chs[i].resetCount = maxResetCounts
		}
	}
	return chs
}

// SetTimebaseFlag marks that one time-base period elapsed. Called once per
// control cycle; lock-free so the control context never blocks here.
func (m *Manager) SetTimebaseFlag() {
	m.timebase.Store(true)
}

// Tick consumes the time-base flag and advances the debounce counters of
// every raised channel. Counters that reach the reset threshold before
// committing are forgiven. Call at a higher rate than the time base; extra
// calls between flags are no-ops.
func (m *Manager) Tick() {
	if !m.timebase.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.hard {
		tickChannel(&m.hard[i])
	}
	for i := range m.soft {
		tickChannel(&m.soft[i])
	}
}

func tickChannel(ch *channel) {
	if !ch.flag {
		return
	}
	ch.counter++
	if ch.counter >= ch.resetCount {
		ch.flag = false
		ch.counter = 0
	}
}

// Raise flags an interlock condition. Once the channel's counter has
// reached its debounce threshold, the raise commits: the sticky mask bit
// is set, the flag and counter clear for the next occurrence, and the
// protective action runs unless the bit was already latched. Out-of-range
// channels are ignored.
func (m *Manager) Raise(set Set, ch int) {
	m.mu.Lock()

	chs := m.channels(set)
	if ch < 0 || ch >= len(chs) {
		m.mu.Unlock()
		return
	}

	c := &chs[ch]
	c.flag = true

	if c.counter < c.debounceCount {
		m.mu.Unlock()
		return
	}

	mask := m.maskFor(set)
	bit := uint32(1) << uint(ch)

	commit := *mask&bit == 0
	if commit {
		*mask |= bit
	}

	c.flag = false
	c.counter = 0

	m.mu.Unlock()

	// The protective action runs outside the lock: SafeStop opens
	// contactors and waits, which must never happen under the latch
	// mutex.
	if commit && m.target != nil {
		m.target.SafeStop()
		m.target.EnterInterlock()
	}
}

// Bypass forces the channel's counter to its debounce threshold so the
// next Raise commits immediately. Bring-up sequences use this when the
// condition is already verified and debouncing would only delay the trip.
func (m *Manager) Bypass(set Set, ch int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chs := m.channels(set)
	if ch < 0 || ch >= len(chs) {
		return
	}
	chs[ch].counter = chs[ch].debounceCount
}

// RaiseAlarm latches an alarm bit. Alarms carry no debounce and no
// protective action; they are telemetry.
func (m *Manager) RaiseAlarm(ch int) {
	if ch < 0 || ch >= MaxChannels {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarms |= uint32(1) << uint(ch)
}

// ClearAll clears the committed masks and alarms. Debounce flags and
// counters keep running: a condition still present re-commits on its next
// raise without waiting out a fresh debounce.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardMask = 0
	m.softMask = 0
	m.alarms = 0
}

func (m *Manager) HardMask() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hardMask
}

func (m *Manager) SoftMask() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softMask
}

func (m *Manager) Alarms() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alarms
}

// Latched reports whether any interlock bit is committed in either set.
func (m *Manager) Latched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hardMask != 0 || m.softMask != 0
}

func (m *Manager) NumHard() int { return len(m.hard) }

func (m *Manager) NumSoft() int { return len(m.soft) }

func (m *Manager) channels(set Set) []channel {
	if set == Hard {
		return m.hard
	}
	return m.soft
}

func (m *Manager) maskFor(set Set) *uint32 {
	if set == Hard {
		return &m.hardMask
	}
	return &m.softMask
}
