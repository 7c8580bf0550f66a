// Package params implements the runtime parameter bank: a fixed table
// of typed slots bound to caller-owned backing storage, addressed by
// well-known ids. Reads and writes convert through float32, so every
// surface (REST, sequences) speaks one value type regardless of the
// slot's storage type.
package params

import (
	"fmt"
	"math"
	"sync"
)

// Type is the storage type of a slot.
type Type int

const (
	TypeUint16 Type = iota
	TypeUint32
	TypeFloat
)

// ID enumerates the bank slots.
type ID int

const (
	SigGenType ID = iota
	SigGenNumCycles
	SigGenFreq
	SigGenAmplitude
	SigGenOffset
	SigGenAuxParam
	WfmRefSelected
	WfmRefSyncMode
	WfmRefGain
	WfmRefOffset

	numIDs
)

var idNames = map[ID]string{
	SigGenType:      "siggen_type",
	SigGenNumCycles: "siggen_num_cycles",
	SigGenFreq:      "siggen_freq",
	SigGenAmplitude: "siggen_amplitude",
	SigGenOffset:    "siggen_offset",
	SigGenAuxParam:  "siggen_aux_param",
	WfmRefSelected:  "wfmref_selected",
	WfmRefSyncMode:  "wfmref_sync_mode",
	WfmRefGain:      "wfmref_gain",
	WfmRefOffset:    "wfmref_offset",
}

func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return fmt.Sprintf("param(%d)", int(id))
}

// ParseID resolves a parameter name as used in the API paths.
func ParseID(name string) (ID, error) {
	for id, n := range idNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown parameter %q", name)
}

// IDs returns every known slot id in declaration order.
func IDs() []ID {
	ids := make([]ID, 0, numIDs)
	for id := ID(0); id < numIDs; id++ {
		ids = append(ids, id)
	}
	return ids
}

type slot struct {
	typ Type
	u16 []uint16
	u32 []uint32
	f32 []float32
}

func (s *slot) count() int {
	switch s.typ {
	case TypeUint16:
		return len(s.u16)
	case TypeUint32:
		return len(s.u32)
	case TypeFloat:
		return len(s.f32)
	}
	return 0
}

// Bank is the parameter table of one supply. Slots are registered
// once at build time; Get and Set are safe for concurrent use from
// the service surfaces.
type Bank struct {
	mu    sync.RWMutex
	slots [numIDs]slot
}

func NewBank() *Bank {
	return &Bank{}
}

// RegisterUint16 binds id to caller-owned uint16 storage.
func (b *Bank) RegisterUint16(id ID, backing []uint16) {
	if id < 0 || id >= numIDs || len(backing) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[id] = slot{typ: TypeUint16, u16: backing}
}

// RegisterUint32 binds id to caller-owned uint32 storage.
func (b *Bank) RegisterUint32(id ID, backing []uint32) {
	if id < 0 || id >= numIDs || len(backing) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[id] = slot{typ: TypeUint32, u32: backing}
}

// RegisterFloat binds id to caller-owned float32 storage.
func (b *Bank) RegisterFloat(id ID, backing []float32) {
	if id < 0 || id >= numIDs || len(backing) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[id] = slot{typ: TypeFloat, f32: backing}
}

// Set writes element n of slot id, converting v to the slot's storage
// type. It reports false for unknown or unregistered ids and
// out-of-range indices.
func (b *Bank) Set(id ID, n int, v float32) bool {
	if id < 0 || id >= numIDs || n < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[id]
	if n >= s.count() {
		return false
	}
	switch s.typ {
	case TypeUint16:
		s.u16[n] = uint16(v)
	case TypeUint32:
		s.u32[n] = uint32(v)
	case TypeFloat:
		s.f32[n] = v
	}
	return true
}

// Get reads element n of slot id as float32. Unknown ids,
// unregistered slots and out-of-range indices read as NaN.
func (b *Bank) Get(id ID, n int) float32 {
	if id < 0 || id >= numIDs || n < 0 {
		return float32(math.NaN())
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := &b.slots[id]
	if n >= s.count() {
		return float32(math.NaN())
	}
	switch s.typ {
	case TypeUint16:
		return float32(s.u16[n])
	case TypeUint32:
		return float32(s.u32[n])
	case TypeFloat:
		return s.f32[n]
	}
	return float32(math.NaN())
}

// Count returns the number of elements registered for id, zero when
// unregistered.
func (b *Bank) Count(id ID) int {
	if id < 0 || id >= numIDs {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.slots[id].count()
}
