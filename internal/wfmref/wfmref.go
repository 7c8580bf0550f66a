// Package wfmref implements waveform reference playback: preloaded
// sample tables driven one sample per control cycle, with gain and
// offset applied on the way out. The player is owned by the control
// context; configuration changes are applied between cycles.
package wfmref

import "fmt"

// SyncMode selects how the cursor advances and how sync edges are
// interpreted. The numeric values are part of the parameter surface.
type SyncMode uint16

const (
	// SampleBySample plays immediately, holds the last sample at the
	// end and restarts on a sync edge.
	SampleBySample SyncMode = iota
	// SampleBySampleOneCycle plays immediately, holds at the end and
	// ignores sync edges.
	SampleBySampleOneCycle
	// OneShot rests on the first sample until a sync edge arms
	// playback, then plays to the end; every edge restarts from the
	// beginning.
	OneShot
)

func (m SyncMode) String() string {
	switch m {
	case SampleBySample:
		return "sample_by_sample"
	case SampleBySampleOneCycle:
		return "sample_by_sample_one_cycle"
	case OneShot:
		return "one_shot"
	}
	return fmt.Sprintf("sync_mode(%d)", uint16(m))
}

func (m SyncMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Player steps a selected waveform table and writes the scaled sample
// to its output handle.
type Player struct {
	tables   [][]float32
	selected int
	mode     SyncMode
	gain     float32
	offset   float32

	idx   int
	armed bool
	out   *float32
}

// NewPlayer wires a player over the given tables. A missing or empty
// table set degrades to a single zero sample so playback stays total.
func NewPlayer(tables [][]float32, out *float32) *Player {
	p := &Player{
		tables: tables,
		gain:   1,
		out:    out,
	}
	if len(p.tables) == 0 {
		p.tables = [][]float32{{0}}
	}
	for i, t := range p.tables {
		if len(t) == 0 {
			p.tables[i] = []float32{0}
		}
	}
	return p
}

// Select switches playback to table id and rewinds. Out-of-range ids
// fall back to the first table.
func (p *Player) Select(id int) {
	if id < 0 || id >= len(p.tables) {
		id = 0
	}
	p.selected = id
	p.Reset()
}

// SetTable replaces table id with the given samples and rewinds if it
// is the selected one. An id one past the end appends a new table.
func (p *Player) SetTable(id int, samples []float32) error {
	if len(samples) == 0 {
		return fmt.Errorf("empty waveform table")
	}
	switch {
	case id >= 0 && id < len(p.tables):
		p.tables[id] = samples
	case id == len(p.tables):
		p.tables = append(p.tables, samples)
	default:
		return fmt.Errorf("waveform table %d out of range", id)
	}
	if id == p.selected {
		p.Reset()
	}
	return nil
}

func (p *Player) SetSyncMode(m SyncMode) {
	p.mode = m
	p.Reset()
}

func (p *Player) SetGain(g float32)   { p.gain = g }
func (p *Player) SetOffset(o float32) { p.offset = o }

// Sync signals a synchronization edge.
func (p *Player) Sync() {
	switch p.mode {
	case SampleBySample:
		p.idx = 0
	case OneShot:
		p.idx = 0
		p.armed = true
	}
}

// Reset rewinds the cursor and disarms one-shot playback.
func (p *Player) Reset() {
	p.idx = 0
	p.armed = false
}

// Run emits the current sample and advances the cursor according to
// the sync mode. The last sample holds at the end of the table.
func (p *Player) Run() {
	table := p.tables[p.selected]
	*p.out = table[p.idx]*p.gain + p.offset

	if p.mode == OneShot && !p.armed {
		return
	}
	if p.idx < len(table)-1 {
		p.idx++
	} else if p.mode == OneShot {
		p.armed = false
	}
}

func (p *Player) Selected() int       { return p.selected }
func (p *Player) Mode() SyncMode      { return p.mode }
func (p *Player) Index() int          { return p.idx }
func (p *Player) NumTables() int      { return len(p.tables) }
func (p *Player) TableLen(id int) int {
	if id < 0 || id >= len(p.tables) {
		return 0
	}
	return len(p.tables[id])
}
