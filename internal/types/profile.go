package types

// SupplyProfileDefinition is the on-disk JSON document describing one power
// supply: which topology runs it, its control rates and limits, interlock
// debounce timing, and how its logical channels map onto the hardware layer.
// Documents are validated against the embedded schema before use.
type SupplyProfileDefinition struct {
	SupplyProfile SupplyProfileInfo  `json:"supply_profile"`
	Control       ControlConfig      `json:"control"`
	Limits        map[string]float64 `json:"limits"`
	Interlocks    InterlockTiming    `json:"interlocks"`
	Timeouts      SequenceTimeouts   `json:"timeouts"`
	Channels      ChannelMap         `json:"channels"`
	SigGen        *SigGenDefaults    `json:"siggen,omitempty"`
	WfmRef        *WfmRefConfig      `json:"wfmref,omitempty"`
}

type SupplyProfileInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Topology    string `json:"topology"`
	Description string `json:"description,omitempty"`
}

// ControlConfig carries the per-topology loop configuration. Gains not
// common to every topology (share loops, cascaded voltage loops, notch
// alpha) live in the Gains map keyed by the names the topology documents.
type ControlConfig struct {
	FreqSamplingHz       float64            `json:"freq_sampling_hz"`
	FreqTimebaseHz       float64            `json:"freq_timebase_hz"`
	PollIntervalMs       int                `json:"poll_interval_ms"`
	DecimationController int                `json:"decimation_controller"`
	DecimationShare      int                `json:"decimation_share,omitempty"`
	DecimationBuffer     int                `json:"decimation_buffer"`
	ScopeFrameSize       int                `json:"scope_frame_size,omitempty"`
	ScopeSignal          string             `json:"scope_signal,omitempty"`
	MaxRef               float64            `json:"max_ref"`
	MinRef               float64            `json:"min_ref"`
	MaxRefOpenLoop       float64            `json:"max_ref_openloop"`
	MinRefOpenLoop       float64            `json:"min_ref_openloop"`
	MaxDuty              float64            `json:"max_duty"`
	MinDuty              float64            `json:"min_duty"`
	MaxDutyOpenLoop      float64            `json:"max_duty_openloop"`
	MinDutyOpenLoop      float64            `json:"min_duty_openloop"`
	SlewSlowRef          float64            `json:"slewrate_slowref"`
	SlewSigGenAmp        float64            `json:"slewrate_siggen_amp,omitempty"`
	SlewSigGenOffset     float64            `json:"slewrate_siggen_offset,omitempty"`
	Gains                map[string]float64 `json:"gains"`
}

// InterlockTiming holds per-channel debounce and reset times in
// microseconds, indexed by interlock bit position.
type InterlockTiming struct {
	HardDebounceTimeUs []uint32 `json:"hard_debounce_time_us"`
	HardResetTimeUs    []uint32 `json:"hard_reset_time_us"`
	SoftDebounceTimeUs []uint32 `json:"soft_debounce_time_us,omitempty"`
	SoftResetTimeUs    []uint32 `json:"soft_reset_time_us,omitempty"`
}

// SequenceTimeouts bound the blocking waits inside turn-on/turn-off
// sequences. Every wait in a bring-up path is covered by one of these.
type SequenceTimeouts struct {
	ContactorClosedMs  int `json:"contactor_closed_ms"`
	ContactorOpenedMs  int `json:"contactor_opened_ms"`
	ResetPulseMs       int `json:"reset_pulse_ms,omitempty"`
	ContactorStaggerMs int `json:"contactor_stagger_ms,omitempty"`
}

// ChannelMap binds the topology's logical signal names to channel indices
// on the analog source, PWM sink and digital I/O. Names are defined by each
// topology; indices are hardware wiring.
type ChannelMap struct {
	Analog     map[string]int `json:"analog"`
	PWM        map[string]int `json:"pwm"`
	DigitalIn  map[string]int `json:"digital_in,omitempty"`
	DigitalOut map[string]int `json:"digital_out,omitempty"`
}

type SigGenDefaults struct {
	Type      string    `json:"type"`
	NumCycles uint16    `json:"num_cycles"`
	Freq      float64   `json:"freq"`
	Amplitude float64   `json:"amplitude"`
	Offset    float64   `json:"offset"`
	AuxParams []float64 `json:"aux_params,omitempty"`
}

type WfmRefConfig struct {
	Gain     float64     `json:"gain"`
	Offset   float64     `json:"offset"`
	SyncMode string      `json:"sync_mode"`
	Tables   [][]float64 `json:"tables,omitempty"`
}
