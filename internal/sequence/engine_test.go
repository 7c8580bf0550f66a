package sequence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/storage"
	"github.com/opensupply/OpenSupplyCore/internal/supply"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

type executedCmd struct {
	supplyName string
	cmd        supply.Command
}

// fakeCommander records commands and serves scripted module states.
type fakeCommander struct {
	mu       sync.Mutex
	executed []executedCmd
	failOn   supply.Op
	failErr  error
	states   map[string]string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{states: make(map[string]string)}
}

func (f *fakeCommander) Execute(_ context.Context, name string, cmd supply.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, executedCmd{name, cmd})
	if f.failOn != "" && cmd.Op == f.failOn {
		return f.failErr
	}
	return nil
}

func (f *fakeCommander) ModuleState(name string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", types.ErrUnknownSupply, name)
	}
	return st, nil
}

func (f *fakeCommander) setState(name, st string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = st
}

func (f *fakeCommander) commands() []executedCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executedCmd, len(f.executed))
	copy(out, f.executed)
	return out
}

// memStore is an in-memory RunStore.
type memStore struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]*storage.SequenceRun
	steps  map[uuid.UUID][]storage.SequenceStepResult
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{
		runs:  make(map[uuid.UUID]*storage.SequenceRun),
		steps: make(map[uuid.UUID][]storage.SequenceStepResult),
	}
}

func (m *memStore) CreateSequenceRun(_ context.Context, run *storage.SequenceRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.StartedAt = time.Now()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) FinishSequenceRun(_ context.Context, runID uuid.UUID, status string, runErr *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return types.ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.Error = runErr
	run.FinishedAt = &now
	return nil
}

func (m *memStore) InsertStepResult(_ context.Context, res *storage.SequenceStepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	res.ID = m.nextID
	m.steps[res.RunID] = append(m.steps[res.RunID], *res)
	return nil
}

func (m *memStore) GetSequenceRun(_ context.Context, runID uuid.UUID) (*storage.SequenceRun, []storage.SequenceStepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: run %s", types.ErrNotFound, runID)
	}
	cp := *run
	steps := make([]storage.SequenceStepResult, len(m.steps[runID]))
	copy(steps, m.steps[runID])
	return &cp, steps, nil
}

func (m *memStore) ListSequenceRuns(_ context.Context, sequenceID string, _ int) ([]storage.SequenceRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.SequenceRun
	for _, run := range m.runs {
		if sequenceID != "" && run.SequenceID != sequenceID {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// recordNotifier captures events in publish order.
type recordNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordNotifier) SequenceEvent(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordNotifier) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func (r *recordNotifier) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func testLibrary(seqs ...*Sequence) *Library {
	lib := &Library{byID: make(map[string]*Sequence)}
	for _, seq := range seqs {
		lib.byID[seq.ID] = seq
		lib.order = append(lib.order, seq.ID)
	}
	return lib
}

func commandStep(name, supplyName string, op supply.Op) Step {
	return Step{
		Name:    name,
		Type:    StepTypeCommand,
		Supply:  supplyName,
		Command: map[string]any{"op": string(op)},
	}
}

func newTestEngine(lib *Library) (*Engine, *fakeCommander, *memStore, *recordNotifier) {
	cmdr := newFakeCommander()
	store := newMemStore()
	notifier := &recordNotifier{}
	return NewEngine(lib, store, cmdr, notifier, zap.NewNop()), cmdr, store, notifier
}

func waitForStatus(t *testing.T, e *Engine, runID uuid.UUID, status string) *storage.SequenceRun {
	t.Helper()
	var run *storage.SequenceRun
	require.Eventually(t, func() bool {
		var err error
		run, _, err = e.GetRun(context.Background(), runID)
		return err == nil && run.Status == status
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestStartRunUnknownSequence(t *testing.T) {
	e, _, _, _ := newTestEngine(testLibrary())
	_, err := e.StartRun(context.Background(), "ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRunSucceeds(t *testing.T) {
	seq := &Sequence{ID: "cycle", Steps: []Step{
		commandStep("on", "qf-01", supply.OpTurnOn),
		{Name: "settle", Type: StepTypeWait, Duration: Duration{5 * time.Millisecond}},
		commandStep("off", "qf-01", supply.OpTurnOff),
	}}
	e, cmdr, _, notifier := newTestEngine(testLibrary(seq))

	runID, err := e.StartRun(context.Background(), "cycle")
	require.NoError(t, err)

	run := waitForStatus(t, e, runID, StatusSucceeded)
	assert.Nil(t, run.Error)
	require.NotNil(t, run.FinishedAt)

	cmds := cmdr.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, supply.OpTurnOn, cmds[0].cmd.Op)
	assert.Equal(t, supply.OpTurnOff, cmds[1].cmd.Op)
	assert.Equal(t, "qf-01", cmds[0].supplyName)

	_, steps, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, st := range steps {
		assert.Equal(t, StatusSucceeded, st.Status)
		assert.NotNil(t, st.FinishedAt)
	}

	assert.Equal(t, []string{
		EventRunStarted,
		EventStepStarted, EventStepSucceeded,
		EventStepStarted, EventStepSucceeded,
		EventStepStarted, EventStepSucceeded,
		EventRunSucceeded,
	}, notifier.eventTypes())
}

func TestRunFailsOnCommandError(t *testing.T) {
	seq := &Sequence{ID: "cycle", Steps: []Step{
		commandStep("on", "qf-01", supply.OpTurnOn),
		commandStep("off", "qf-01", supply.OpTurnOff),
		commandStep("park", "qf-01", supply.OpSetSlowRef),
	}}
	e, cmdr, _, notifier := newTestEngine(testLibrary(seq))
	cmdr.failOn = supply.OpTurnOff
	cmdr.failErr = errors.New("contactor stuck")

	runID, err := e.StartRun(context.Background(), "cycle")
	require.NoError(t, err)

	run := waitForStatus(t, e, runID, StatusFailed)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "contactor stuck")

	// the failing command is the last one attempted
	cmds := cmdr.commands()
	require.Len(t, cmds, 2)

	_, steps, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StatusSucceeded, steps[0].Status)
	assert.Equal(t, StatusFailed, steps[1].Status)
	require.NotNil(t, steps[1].Error)

	last := notifier.last()
	assert.Equal(t, EventRunFailed, last.Type)
	assert.Contains(t, last.Error, "contactor stuck")
	assert.Equal(t, 1, last.StepIndex)
}

func TestCancelRunDuringWait(t *testing.T) {
	seq := &Sequence{ID: "cycle", Steps: []Step{
		commandStep("on", "qf-01", supply.OpTurnOn),
		{Name: "soak", Type: StepTypeWait, Duration: Duration{10 * time.Second}},
		commandStep("off", "qf-01", supply.OpTurnOff),
	}}
	e, cmdr, _, notifier := newTestEngine(testLibrary(seq))

	runID, err := e.StartRun(context.Background(), "cycle")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(cmdr.commands()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.CancelRun(runID))

	run := waitForStatus(t, e, runID, StatusCancelled)
	require.NotNil(t, run.FinishedAt)

	assert.Len(t, cmdr.commands(), 1)

	_, steps, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StatusSucceeded, steps[0].Status)
	assert.Equal(t, StatusCancelled, steps[1].Status)

	assert.Equal(t, EventRunCancelled, notifier.last().Type)
}

func TestCancelUnknownRun(t *testing.T) {
	e, _, _, _ := newTestEngine(testLibrary())
	err := e.CancelRun(uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found or not running")
}

func TestWaitStateSucceedsWhenStateReached(t *testing.T) {
	seq := &Sequence{ID: "bringup", Steps: []Step{
		{Name: "ready", Type: StepTypeWaitState, Supply: "qf-01",
			State: "slow_ref", Timeout: Duration{3 * time.Second}},
	}}
	e, cmdr, _, _ := newTestEngine(testLibrary(seq))
	cmdr.setState("qf-01", "off")

	runID, err := e.StartRun(context.Background(), "bringup")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, _, err := e.GetRun(context.Background(), runID)
		return err == nil && run.Status == StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	cmdr.setState("qf-01", "slow_ref")

	waitForStatus(t, e, runID, StatusSucceeded)
}

func TestWaitStateTimesOut(t *testing.T) {
	seq := &Sequence{ID: "bringup", Steps: []Step{
		{Name: "ready", Type: StepTypeWaitState, Supply: "qf-01",
			State: "slow_ref", Timeout: Duration{100 * time.Millisecond}},
	}}
	e, cmdr, _, _ := newTestEngine(testLibrary(seq))
	cmdr.setState("qf-01", "off")

	runID, err := e.StartRun(context.Background(), "bringup")
	require.NoError(t, err)

	run := waitForStatus(t, e, runID, StatusFailed)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "timeout waiting for")
}

func TestWaitStateUnknownSupplyFailsRun(t *testing.T) {
	seq := &Sequence{ID: "bringup", Steps: []Step{
		{Name: "ready", Type: StepTypeWaitState, Supply: "ghost",
			State: "slow_ref", Timeout: Duration{time.Second}},
	}}
	e, _, _, _ := newTestEngine(testLibrary(seq))

	runID, err := e.StartRun(context.Background(), "bringup")
	require.NoError(t, err)

	run := waitForStatus(t, e, runID, StatusFailed)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "ghost")
}

func TestShutdownCancelsRunningSequences(t *testing.T) {
	seq := &Sequence{ID: "soak", Steps: []Step{
		{Name: "soak", Type: StepTypeWait, Duration: Duration{10 * time.Second}},
	}}
	e, _, _, _ := newTestEngine(testLibrary(seq))

	runID, err := e.StartRun(context.Background(), "soak")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	run, _, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, run.Status)
}

func TestListRunsFiltersBySequence(t *testing.T) {
	seq := &Sequence{ID: "blink", Steps: []Step{
		{Name: "blip", Type: StepTypeWait, Duration: Duration{time.Millisecond}},
	}}
	e, _, _, _ := newTestEngine(testLibrary(seq))

	first, err := e.StartRun(context.Background(), "blink")
	require.NoError(t, err)
	second, err := e.StartRun(context.Background(), "blink")
	require.NoError(t, err)
	waitForStatus(t, e, first, StatusSucceeded)
	waitForStatus(t, e, second, StatusSucceeded)

	runs, err := e.ListRuns(context.Background(), "blink", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = e.ListRuns(context.Background(), "other", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
