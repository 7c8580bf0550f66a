package topology

import (
	"fmt"

	"github.com/opensupply/OpenSupplyCore/internal/dsp"
	"github.com/opensupply/OpenSupplyCore/internal/params"
	"github.com/opensupply/OpenSupplyCore/internal/ps"
	"github.com/opensupply/OpenSupplyCore/internal/siggen"
	"github.com/opensupply/OpenSupplyCore/internal/types"
	"github.com/opensupply/OpenSupplyCore/internal/wfmref"
)

// RefPipeline generates the per-cycle reference shared by every
// topology: slew-limited setpoint tracking in SlowRef/SlowRefSync,
// the signal generator with slewed amplitude and offset staging in
// Cycle, and waveform playback in RmpWfm/MigWfm.
//
// The staged cells double as the parameter-bank backing storage, so a
// parameter write stages a value and the next Apply call (or, for
// amplitude and offset, the slew limiters themselves) carries it into
// the live pipeline. All methods run on the control goroutine.
type RefPipeline struct {
	setpoint  float32
	reference *float32

	sigType      [1]uint16
	sigNumCycles [1]uint16
	sigFreq      [1]float32
	sigAmplitude [1]float32
	sigOffset    [1]float32
	sigAux       [siggen.NumAuxParams]float32

	wfmSelected [1]uint16
	wfmSyncMode [1]uint16
	wfmGain     [1]float32
	wfmOffset   [1]float32

	srlimRef    *dsp.SlewLimiter
	srlimAmp    *dsp.SlewLimiter
	srlimOffset *dsp.SlewLimiter
	sg          *siggen.Generator
	wf          *wfmref.Player
}

// newRefPipeline wires the reference block at the controller rate
// (the sampling rate divided by the controller decimation) and seeds
// the staged cells from the profile.
func newRefPipeline(p *types.SupplyProfileDefinition, fsController float64, reference *float32) *RefPipeline {
	rp := &RefPipeline{reference: reference}
	fs := float32(fsController)

	rp.sg = siggen.New(fs, reference)
	rp.wf = wfmref.NewPlayer(profileTables(p.WfmRef), reference)

	cfg := p.Control
	rp.srlimRef = dsp.NewSlewLimiter(float32(cfg.SlewSlowRef), fs, &rp.setpoint, reference)
	rp.srlimAmp = dsp.NewSlewLimiter(float32(cfg.SlewSigGenAmp), fs, &rp.sigAmplitude[0], rp.sg.AmplitudeRef())
	rp.srlimOffset = dsp.NewSlewLimiter(float32(cfg.SlewSigGenOffset), fs, &rp.sigOffset[0], rp.sg.OffsetRef())

	rp.seed(p)
	return rp
}

func profileTables(cfg *types.WfmRefConfig) [][]float32 {
	if cfg == nil {
		return nil
	}
	tables := make([][]float32, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		samples := make([]float32, len(t))
		for i, v := range t {
			samples[i] = float32(v)
		}
		tables = append(tables, samples)
	}
	return tables
}

func (rp *RefPipeline) seed(p *types.SupplyProfileDefinition) {
	if sg := p.SigGen; sg != nil {
		if typ, err := siggen.TypeFromString(sg.Type); err == nil {
			rp.sigType[0] = uint16(typ)
		}
		rp.sigNumCycles[0] = sg.NumCycles
		rp.sigFreq[0] = float32(sg.Freq)
		rp.sigAmplitude[0] = float32(sg.Amplitude)
		rp.sigOffset[0] = float32(sg.Offset)
		for i := 0; i < len(rp.sigAux) && i < len(sg.AuxParams); i++ {
			rp.sigAux[i] = float32(sg.AuxParams[i])
		}
		rp.ApplySigGen()
	}
	if wf := p.WfmRef; wf != nil {
		rp.wfmGain[0] = float32(wf.Gain)
		rp.wfmOffset[0] = float32(wf.Offset)
		if mode, err := ParseSyncMode(wf.SyncMode); err == nil {
			rp.wfmSyncMode[0] = uint16(mode)
		}
		rp.ApplyWfmRef()
	}
}

// RegisterParams binds the staged cells to the supply's parameter
// bank.
func (rp *RefPipeline) RegisterParams(b *params.Bank) {
	b.RegisterUint16(params.SigGenType, rp.sigType[:])
	b.RegisterUint16(params.SigGenNumCycles, rp.sigNumCycles[:])
	b.RegisterFloat(params.SigGenFreq, rp.sigFreq[:])
	b.RegisterFloat(params.SigGenAmplitude, rp.sigAmplitude[:])
	b.RegisterFloat(params.SigGenOffset, rp.sigOffset[:])
	b.RegisterFloat(params.SigGenAuxParam, rp.sigAux[:])
	b.RegisterUint16(params.WfmRefSelected, rp.wfmSelected[:])
	b.RegisterUint16(params.WfmRefSyncMode, rp.wfmSyncMode[:])
	b.RegisterFloat(params.WfmRefGain, rp.wfmGain[:])
	b.RegisterFloat(params.WfmRefOffset, rp.wfmOffset[:])
}

// StageSigGen overwrites the staged signal-generator configuration.
func (rp *RefPipeline) StageSigGen(typ siggen.Type, numCycles uint16, freq, amplitude, offset float32, aux []float32) {
	rp.sigType[0] = uint16(typ)
	rp.sigNumCycles[0] = numCycles
	rp.sigFreq[0] = freq
	rp.sigAmplitude[0] = amplitude
	rp.sigOffset[0] = offset
	for i := range rp.sigAux {
		if i < len(aux) {
			rp.sigAux[i] = aux[i]
		} else {
			rp.sigAux[i] = 0
		}
	}
}

// ApplySigGen configures the generator from the staged cells. It
// reports false while the generator is enabled.
func (rp *RefPipeline) ApplySigGen() bool {
	return rp.sg.Configure(
		siggen.Type(rp.sigType[0]),
		rp.sigNumCycles[0],
		rp.sigFreq[0],
		rp.sigAmplitude[0],
		rp.sigOffset[0],
		rp.sigAux[:],
	)
}

// StageWfmRef overwrites the staged waveform-player configuration.
func (rp *RefPipeline) StageWfmRef(selected uint16, mode wfmref.SyncMode, gain, offset float32) {
	rp.wfmSelected[0] = selected
	rp.wfmSyncMode[0] = uint16(mode)
	rp.wfmGain[0] = gain
	rp.wfmOffset[0] = offset
}

// ApplyWfmRef carries the staged waveform configuration into the
// player and rewinds playback.
func (rp *RefPipeline) ApplyWfmRef() {
	rp.wf.SetSyncMode(wfmref.SyncMode(rp.wfmSyncMode[0]))
	rp.wf.SetGain(rp.wfmGain[0])
	rp.wf.SetOffset(rp.wfmOffset[0])
	rp.wf.Select(int(rp.wfmSelected[0]))
}

func (rp *RefPipeline) SigGen() *siggen.Generator { return rp.sg }
func (rp *RefPipeline) WfmRef() *wfmref.Player    { return rp.wf }

// run produces this cycle's reference for the given state.
func (rp *RefPipeline) run(state ps.State, setpoint float32) {
	rp.setpoint = setpoint
	switch state {
	case ps.SlowRef, ps.SlowRefSync:
		rp.srlimRef.Run()
	case ps.Cycle:
		rp.srlimAmp.Run()
		rp.srlimOffset.Run()
		rp.sg.Run()
	case ps.RmpWfm, ps.MigWfm:
		rp.wf.Run()
	}
}

// Sync feeds a synchronization edge to whichever stage the current
// state listens with: the generator starts its burst in Cycle, the
// player restarts or arms in the waveform states.
func (rp *RefPipeline) Sync(state ps.State) {
	switch state {
	case ps.Cycle:
		rp.sg.Enable()
	case ps.RmpWfm, ps.MigWfm:
		rp.wf.Sync()
	}
}

// reset returns the block to its power-off state: slew tracking
// cleared, generator disabled and rewound, playback rewound. Staged
// configuration survives.
func (rp *RefPipeline) reset() {
	rp.srlimRef.Reset()
	rp.srlimAmp.Reset()
	rp.srlimOffset.Reset()
	rp.sg.Disable()
	rp.sg.Reset()
	rp.wf.Reset()
}

// ParseSyncMode resolves a waveform sync-mode name from profiles and
// the API.
func ParseSyncMode(name string) (wfmref.SyncMode, error) {
	switch name {
	case "sample_by_sample", "":
		return wfmref.SampleBySample, nil
	case "sample_by_sample_one_cycle":
		return wfmref.SampleBySampleOneCycle, nil
	case "one_shot":
		return wfmref.OneShot, nil
	}
	return 0, fmt.Errorf("unknown sync mode %q", name)
}
