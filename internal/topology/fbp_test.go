package topology

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/events"
	"github.com/opensupply/OpenSupplyCore/internal/hal/sim"
	"github.com/opensupply/OpenSupplyCore/internal/ps"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// The test plant: 100 V bus into 1 ohm / 10 mH, so steady-state current
// is 100*duty and the open-loop pole sits at 100 rad/s. The PI gains
// cancel that pole and place the crossover at 500 rad/s.
const fbpTestDt = 1.0 / 5000

func fbpTestProfile() *types.SupplyProfileDefinition {
	return &types.SupplyProfileDefinition{
		SupplyProfile: types.SupplyProfileInfo{
			ID:       "fbp-test",
			Name:     "bench fbp",
			Topology: "fbp",
		},
		Control: types.ControlConfig{
			FreqSamplingHz:       5000,
			FreqTimebaseHz:       5000,
			DecimationController: 1,
			DecimationBuffer:     1,
			MaxRef:               40,
			MinRef:               -40,
			MaxRefOpenLoop:       40,
			MinRefOpenLoop:       -40,
			MaxDuty:              0.9,
			MinDuty:              -0.9,
			MaxDutyOpenLoop:      0.4,
			MinDutyOpenLoop:      -0.4,
			SlewSlowRef:          10000,
			SlewSigGenAmp:        10000,
			SlewSigGenOffset:     10000,
			Gains: map[string]float64{
				"kp_i_load": 0.05,
				"ki_i_load": 5,
			},
		},
		Limits: map[string]float64{
			"i_load_max":   25,
			"v_load_max":   50,
			"v_dclink_max": 120,
			"v_dclink_min": 80,
		},
		Interlocks: types.InterlockTiming{
			HardDebounceTimeUs: []uint32{0, 0, 0, 0, 100000},
			HardResetTimeUs:    []uint32{0, 0, 0, 0, 200000},
		},
		Timeouts: types.SequenceTimeouts{
			ContactorClosedMs: 1,
			ContactorOpenedMs: 1,
		},
		Channels: types.ChannelMap{
			Analog:     map[string]int{"i_load": 0, "v_load": 1, "v_dclink": 2},
			PWM:        map[string]int{"main": 0},
			DigitalIn:  map[string]int{"dclink_contactor_status": 0},
			DigitalOut: map[string]int{"dclink_contactor": 0},
		},
	}
}

func newFBPRig() *sim.Rig {
	rig := sim.NewRig(3, 1, 1, 1)
	rig.CouplePins(0, 0)
	rig.SetAnalog(2, 100)
	rig.AddBranch(0, 0, 100, 1, 0.01)
	return rig
}

func newTestFBP(t *testing.T, rig *sim.Rig) *fbp {
	t.Helper()
	top, err := newFBP(Deps{
		Profile:  fbpTestProfile(),
		Analog:   rig,
		PWM:      rig,
		IO:       rig,
		Clock:    clock.New(),
		Logger:   zap.NewNop(),
		Dispatch: func(f func()) { f() },
	})
	require.NoError(t, err)
	return top
}

func runFBPCycles(top *fbp, rig *sim.Rig, n int) {
	for i := 0; i < n; i++ {
		top.RunCycle()
		rig.Step(fbpTestDt)
	}
}

func TestFBPTurnOnSequence(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))

	assert.Equal(t, ps.SlowRef, top.module.State())
	assert.True(t, top.module.OpenLoop())
	assert.True(t, rig.OutputPin(0))
	assert.True(t, rig.OutputEnabled(0))
}

func TestFBPTurnOnRejectedWhenNotOff(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))

	err := top.TurnOn(context.Background())
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestFBPTurnOnContactorFailureLatchesInterlock(t *testing.T) {
	// No pin coupling: the contactor never reports closed.
	rig := sim.NewRig(3, 1, 1, 1)
	rig.SetAnalog(2, 100)
	top := newTestFBP(t, rig)

	// A hardware failure during bring-up is an interlock, not an error.
	require.NoError(t, top.TurnOn(context.Background()))

	assert.Equal(t, ps.Interlock, top.module.State())
	assert.Equal(t, uint32(1)<<fbpDCLinkContactorFault, top.ev.HardMask())
	assert.False(t, rig.OutputPin(0))
	assert.False(t, rig.OutputEnabled(0))
}

func TestFBPOpenLoopDutyFollowsReference(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))
	top.module.SetSetpoint(20)
	runFBPCycles(top, rig, 100)

	assert.InDelta(t, 20, top.w.reference, 1e-3)
	assert.InDelta(t, 0.2, rig.Duty(0), 1e-3)
}

func TestFBPSlowRefSlewLimitsReferenceRate(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))
	top.module.SetSetpoint(20)

	// 10000 units/s at 5 kHz is 2 units per cycle.
	runFBPCycles(top, rig, 5)
	assert.InDelta(t, 10, top.w.reference, 1e-3)
}

func TestFBPClosedLoopConvergesToSetpoint(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))
	top.module.SetOpenLoop(false)
	top.module.SetSetpoint(10)

	runFBPCycles(top, rig, 2000)

	assert.InDelta(t, 10, rig.Analog(0), 0.05)
	assert.InDelta(t, 0.1, rig.Duty(0), 0.005)
	assert.InDelta(t, 10, top.module.Reference(), 0.05)
}

func TestFBPOvercurrentTripDeEnergizes(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))
	top.module.SetOpenLoop(false)
	top.module.SetSetpoint(10)
	runFBPCycles(top, rig, 2000)

	rig.SetAnalog(0, 30)
	top.CheckInterlocks()

	assert.Equal(t, ps.Interlock, top.module.State())
	assert.Equal(t, uint32(1)<<fbpLoadOvercurrent, top.ev.HardMask())
	assert.False(t, rig.OutputEnabled(0))
	assert.False(t, rig.OutputPin(0))
	assert.Equal(t, float32(0), rig.Duty(0))

	// The controller stays out of the loop while interlocked.
	runFBPCycles(top, rig, 10)
	assert.Equal(t, float32(0), rig.Duty(0))
}

func TestFBPResetInterlocksRecovers(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))
	rig.SetAnalog(0, 30)
	top.CheckInterlocks()
	require.Equal(t, ps.Interlock, top.module.State())

	rig.Step(fbpTestDt)
	require.NoError(t, top.ResetInterlocks(context.Background()))

	assert.Equal(t, ps.Off, top.module.State())
	assert.Zero(t, top.ev.HardMask())

	require.NoError(t, top.TurnOn(context.Background()))
	assert.Equal(t, ps.SlowRef, top.module.State())
}

func TestFBPUndervoltageOnlyWhileEnergized(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	rig.SetAnalog(2, 50)
	top.CheckInterlocks()
	assert.Zero(t, top.ev.HardMask())
	assert.Equal(t, ps.Off, top.module.State())

	rig.SetAnalog(2, 100)
	require.NoError(t, top.TurnOn(context.Background()))

	rig.SetAnalog(2, 50)
	top.CheckInterlocks()
	assert.Equal(t, ps.Interlock, top.module.State())
	assert.Equal(t, uint32(1)<<fbpDCLinkUndervoltage, top.ev.HardMask())
}

func TestFBPTurnOffOpensContactorAfterPWM(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))
	top.module.SetSetpoint(20)
	runFBPCycles(top, rig, 100)

	require.NoError(t, top.TurnOff(context.Background()))

	assert.Equal(t, ps.Off, top.module.State())
	assert.False(t, rig.OutputEnabled(0))
	assert.False(t, rig.OutputPin(0))
	assert.Equal(t, float32(0), rig.Duty(0))
	assert.Equal(t, float32(0), top.module.Reference())
}

func TestFBPControllerIdleWhileOff(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	top.module.SetSetpoint(20)
	runFBPCycles(top, rig, 50)

	assert.Equal(t, float32(0), top.w.reference)
	assert.Equal(t, float32(0), rig.Duty(0))
}

func TestFBPSignalTable(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	assert.ElementsMatch(t,
		[]string{"i_load", "v_load", "v_dclink", "reference", "error_i_load", "duty"},
		top.SignalNames())

	cell, ok := top.Signal("i_load")
	require.True(t, ok)
	assert.NotNil(t, cell)

	_, ok = top.Signal("bogus")
	assert.False(t, ok)

	hard, soft := top.InterlockNames(0)
	assert.Len(t, hard, 5)
	assert.Empty(t, soft)
}

func TestFBPDebouncedTripNeedsPersistentCondition(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	require.NoError(t, top.TurnOn(context.Background()))

	// Contactor drops out after bring-up. Its channel debounces for
	// 100 ms, which is 500 time-base ticks at 5 kHz.
	rig.SetInput(0, false)

	ev := top.Events()[0]
	for i := 0; i < 500; i++ {
		top.CheckInterlocks()
		require.Equal(t, ps.SlowRef, top.module.State())

		top.RunCycle()
		ev.Tick()
	}

	top.CheckInterlocks()
	assert.Equal(t, ps.Interlock, top.module.State())
	assert.Equal(t, uint32(1)<<fbpDCLinkContactorFault, ev.HardMask())
}

func TestFBPUnresolvedBindingsFailConstruction(t *testing.T) {
	p := fbpTestProfile()
	delete(p.Channels.PWM, "main")
	delete(p.Channels.Analog, "v_dclink")

	rig := newFBPRig()
	_, err := newFBP(Deps{
		Profile:  p,
		Analog:   rig,
		PWM:      rig,
		IO:       rig,
		Clock:    clock.New(),
		Logger:   zap.NewNop(),
		Dispatch: func(f func()) { f() },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pwm:main")
	assert.Contains(t, err.Error(), "analog:v_dclink")
}

func TestFBPSoftDebounceUnused(t *testing.T) {
	rig := newFBPRig()
	top := newTestFBP(t, rig)

	assert.Equal(t, 0, top.ev.NumSoft())
	assert.Equal(t, len(fbpHardNames), top.ev.NumHard())

	// Raising a nonexistent soft channel is a no-op.
	top.ev.Raise(events.Soft, 0)
	assert.Zero(t, top.ev.SoftMask())
}
