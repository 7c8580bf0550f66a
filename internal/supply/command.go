package supply

import "errors"

// Op enumerates the supply commands. The strings are the wire names
// used by the REST command endpoint and by sequence step definitions.
type Op string

const (
	OpTurnOn          Op = "turn_on"
	OpTurnOff         Op = "turn_off"
	OpResetInterlocks Op = "reset_interlocks"
	OpSetSlowRef      Op = "set_slowref"
	OpSetSlowRefSync  Op = "set_slowref_sync"
	OpSelectOpMode    Op = "select_op_mode"
	OpOpenLoop        Op = "open_loop"
	OpCloseLoop       Op = "close_loop"
	OpConfigSigGen    Op = "cfg_siggen"
	OpEnableSigGen    Op = "enable_siggen"
	OpDisableSigGen   Op = "disable_siggen"
	OpSelectWfmRef    Op = "select_wfmref"
	OpSetParam        Op = "set_param"
	OpSetInterlock    Op = "set_interlock"
	OpSyncPulse       Op = "sync_pulse"
	OpGetStatus       Op = "get_status"
)

// Command is one inbox entry. Op selects the operation; the remaining
// fields carry its arguments and decode directly from the REST
// command body, so only the fields an op reads need to be set.
type Command struct {
	Op Op `json:"op"`

	Value  float64 `json:"value,omitempty"`
	Mode   string  `json:"mode,omitempty"`
	Module int     `json:"module,omitempty"`
	Set    string  `json:"set,omitempty"`
	Bit    int     `json:"bit,omitempty"`

	SigGen *SigGenConfig `json:"siggen,omitempty"`
	WfmRef *WfmRefSelect `json:"wfmref,omitempty"`
	Param  *ParamWrite   `json:"param,omitempty"`
}

// SigGenConfig carries the cfg_siggen arguments.
type SigGenConfig struct {
	Type      string    `json:"type"`
	NumCycles uint16    `json:"num_cycles"`
	Freq      float64   `json:"freq"`
	Amplitude float64   `json:"amplitude"`
	Offset    float64   `json:"offset"`
	AuxParams []float64 `json:"aux_params,omitempty"`
}

// WfmRefSelect carries the select_wfmref arguments. Samples, when
// present, replaces the table content before selecting it; nil Gain,
// Offset and empty SyncMode keep the staged values.
type WfmRefSelect struct {
	Table    int       `json:"table"`
	SyncMode string    `json:"sync_mode,omitempty"`
	Gain     *float64  `json:"gain,omitempty"`
	Offset   *float64  `json:"offset,omitempty"`
	Samples  []float64 `json:"samples,omitempty"`
}

// ParamWrite carries the set_param arguments. Name addresses a
// parameter bank slot; Index selects the element for array slots.
type ParamWrite struct {
	Name  string  `json:"name"`
	Index int     `json:"index,omitempty"`
	Value float64 `json:"value"`
}

// Sentinel errors returned by Execute, beyond the shared set in the
// types package.
var (
	ErrNotRunning = errors.New("supply not running")
	ErrSigGenBusy = errors.New("signal generator is enabled")
	ErrUnknownOp  = errors.New("unknown command op")
)

// Status is the externally visible snapshot of one supply.
type Status struct {
	Supply   string         `json:"supply"`
	Topology string         `json:"topology"`
	Model    string         `json:"model"`
	Running  bool           `json:"running"`
	Modules  []ModuleStatus `json:"modules"`
}

// ModuleStatus reports one module's packed status word alongside its
// decoded fields and latched interlock masks. The name slices list
// only the set bits.
type ModuleStatus struct {
	Module         int      `json:"module"`
	State          string   `json:"state"`
	StatusWord     uint16   `json:"status_word"`
	OpenLoop       bool     `json:"open_loop"`
	Setpoint       float32  `json:"setpoint"`
	Reference      float32  `json:"reference"`
	HardInterlocks uint32   `json:"hard_interlocks"`
	SoftInterlocks uint32   `json:"soft_interlocks"`
	Alarms         uint32   `json:"alarms"`
	HardNames      []string `json:"hard_interlock_names,omitempty"`
	SoftNames      []string `json:"soft_interlock_names,omitempty"`
	AlarmNames     []string `json:"alarm_names,omitempty"`
}
