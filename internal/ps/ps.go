// Package ps models the operating state shared by every power-supply
// topology: the state machine, the communication interface and model
// identifiers, and the packed 16-bit status word reported on the
// external surfaces.
package ps

import "fmt"

// State is the operation state of a supply module. The numeric values
// are part of the external status encoding and must not be reordered.
type State uint16

const (
	Off State = iota
	Interlock
	Initializing
	SlowRef
	SlowRefSync
	Cycle
	RmpWfm
	MigWfm
)

var stateNames = map[State]string{
	Off:          "off",
	Interlock:    "interlock",
	Initializing: "initializing",
	SlowRef:      "slow_ref",
	SlowRefSync:  "slow_ref_sync",
	Cycle:        "cycle",
	RmpWfm:       "rmp_wfm",
	MigWfm:       "mig_wfm",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint16(s))
}

// Operating reports whether the module is generating references in
// this state. Operation-mode switches are only legal between
// operating states.
func (s State) Operating() bool {
	return s >= SlowRef && s <= MigWfm
}

// ParseState resolves a state name as used by the APIs and sequence
// definitions.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return Off, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Interface identifies which command surface currently drives the
// supply.
type Interface uint16

const (
	Remote Interface = iota
	Local
	PCHost
)

func (i Interface) String() string {
	switch i {
	case Remote:
		return "remote"
	case Local:
		return "local"
	case PCHost:
		return "pc_host"
	}
	return fmt.Sprintf("interface(%d)", uint16(i))
}

func (i Interface) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// Model identifies the converter topology family of a module. The
// values occupy the 5-bit model field of the status word and are
// shared with the operator tooling, so the table keeps entries for
// the whole family even though this build drives a subset.
type Model uint16

const (
	ModelEmpty Model = iota
	ModelFBP
	ModelFBPDCLink
	ModelFACACDC
	ModelFACDCDC
	ModelFAC2SACDC
	ModelFAC2SDCDC
	ModelFAC2P4SACDC
	ModelFAC2P4SDCDC
	ModelFAP
	ModelFAP4P
)

var modelNames = map[Model]string{
	ModelEmpty:       "empty",
	ModelFBP:         "fbp",
	ModelFBPDCLink:   "fbp_dclink",
	ModelFACACDC:     "fac_acdc",
	ModelFACDCDC:     "fac_dcdc",
	ModelFAC2SACDC:   "fac_2s_acdc",
	ModelFAC2SDCDC:   "fac_2s_dcdc",
	ModelFAC2P4SACDC: "fac_2p4s_acdc",
	ModelFAC2P4SDCDC: "fac_2p4s_dcdc",
	ModelFAP:         "fap",
	ModelFAP4P:       "fap_4p",
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("model(%d)", uint16(m))
}

func (m Model) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseModel resolves a model name as used in supply profiles.
func ParseModel(name string) (Model, error) {
	for m, n := range modelNames {
		if n == name {
			return m, nil
		}
	}
	return ModelEmpty, fmt.Errorf("unknown model %q", name)
}

// Status word layout, low bit first: state:4, openloop:1,
// interface:2, active:1, model:5, unlocked:1, reserved:2.
const (
	stateMask   = 0x000F
	openLoopBit = 1 << 4
	ifaceShift  = 5
	ifaceMask   = 0x3
	activeBit   = 1 << 7
	modelShift  = 8
	modelMask   = 0x1F
	unlockedBit = 1 << 13
)

// Status is the unpacked form of the 16-bit status word.
type Status struct {
	State     State     `json:"state"`
	OpenLoop  bool      `json:"open_loop"`
	Interface Interface `json:"interface"`
	Active    bool      `json:"active"`
	Model     Model     `json:"model"`
	Unlocked  bool      `json:"unlocked"`
}

// Word packs the status into its external 16-bit encoding.
func (s Status) Word() uint16 {
	w := uint16(s.State) & stateMask
	if s.OpenLoop {
		w |= openLoopBit
	}
	w |= (uint16(s.Interface) & ifaceMask) << ifaceShift
	if s.Active {
		w |= activeBit
	}
	w |= (uint16(s.Model) & modelMask) << modelShift
	if s.Unlocked {
		w |= unlockedBit
	}
	return w
}

// StatusFromWord is the inverse of Word. Reserved bits are dropped.
func StatusFromWord(w uint16) Status {
	return Status{
		State:     State(w & stateMask),
		OpenLoop:  w&openLoopBit != 0,
		Interface: Interface((w >> ifaceShift) & ifaceMask),
		Active:    w&activeBit != 0,
		Model:     Model((w >> modelShift) & modelMask),
		Unlocked:  w&unlockedBit != 0,
	}
}
