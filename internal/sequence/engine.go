package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/storage"
	"github.com/opensupply/OpenSupplyCore/internal/supply"
)

// Run and step statuses as persisted and reported.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Event types streamed while a run progresses.
const (
	EventRunStarted    = "run_started"
	EventRunSucceeded  = "run_succeeded"
	EventRunFailed     = "run_failed"
	EventRunCancelled  = "run_cancelled"
	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
)

// Event is one progress notification of a sequence run.
type Event struct {
	RunID      uuid.UUID `json:"run_id"`
	SequenceID string    `json:"sequence_id"`
	Type       string    `json:"type"`
	StepIndex  int       `json:"step_index"`
	StepName   string    `json:"step_name,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier receives run progress. The system layer implements it to fan
// out to the WebSocket hub. Calls arrive from run goroutines, so
// implementations must not block for long.
type Notifier interface {
	SequenceEvent(evt Event)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) SequenceEvent(Event) {}

// Commander is the slice of the supply controller a run drives.
type Commander interface {
	Execute(ctx context.Context, supplyName string, cmd supply.Command) error
	ModuleState(supplyName string, module int) (string, error)
}

// RunStore is the persistence the engine needs. *storage.PostgresClient
// implements it.
type RunStore interface {
	CreateSequenceRun(ctx context.Context, run *storage.SequenceRun) error
	FinishSequenceRun(ctx context.Context, runID uuid.UUID, status string, runErr *string) error
	InsertStepResult(ctx context.Context, res *storage.SequenceStepResult) error
	GetSequenceRun(ctx context.Context, runID uuid.UUID) (*storage.SequenceRun, []storage.SequenceStepResult, error)
	ListSequenceRuns(ctx context.Context, sequenceID string, limit int) ([]storage.SequenceRun, error)
}

// Engine executes sequences asynchronously: one goroutine per run, a
// cancel function per running id, every step persisted and streamed.
type Engine struct {
	lib       *Library
	store     RunStore
	commander Commander
	notifier  Notifier
	logger    *zap.Logger

	runningMu       sync.RWMutex
	runningContexts map[uuid.UUID]context.CancelFunc

	wg sync.WaitGroup
}

func NewEngine(lib *Library, store RunStore, commander Commander, notifier Notifier, logger *zap.Logger) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		lib:             lib,
		store:           store,
		commander:       commander,
		notifier:        notifier,
		logger:          logger,
		runningContexts: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Sequences lists the loaded definitions.
func (e *Engine) Sequences() []*Sequence {
	return e.lib.List()
}

// Sequence returns one definition by id.
func (e *Engine) Sequence(id string) (*Sequence, error) {
	return e.lib.Get(id)
}

// StartRun creates a run record and launches the run goroutine. The
// run detaches from the caller's context; CancelRun stops it.
func (e *Engine) StartRun(ctx context.Context, sequenceID string) (uuid.UUID, error) {
	seq, err := e.lib.Get(sequenceID)
	if err != nil {
		return uuid.Nil, err
	}

	run := &storage.SequenceRun{
		ID:         uuid.New(),
		SequenceID: seq.ID,
		Status:     StatusRunning,
	}
	if err := e.store.CreateSequenceRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create sequence run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.runningMu.Lock()
	e.runningContexts[run.ID] = cancel
	e.runningMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.runningMu.Lock()
			delete(e.runningContexts, run.ID)
			e.runningMu.Unlock()
			cancel()
		}()
		e.runSequence(runCtx, run.ID, seq)
	}()

	return run.ID, nil
}

// CancelRun stops a running sequence. Finished runs report not running.
func (e *Engine) CancelRun(runID uuid.UUID) error {
	e.runningMu.RLock()
	cancel, exists := e.runningContexts[runID]
	e.runningMu.RUnlock()

	if !exists {
		return fmt.Errorf("run not found or not running: %s", runID)
	}

	cancel()
	return nil
}

// GetRun loads a run with its step results.
func (e *Engine) GetRun(ctx context.Context, runID uuid.UUID) (*storage.SequenceRun, []storage.SequenceStepResult, error) {
	return e.store.GetSequenceRun(ctx, runID)
}

// ListRuns returns persisted runs newest first, optionally filtered by
// sequence id.
func (e *Engine) ListRuns(ctx context.Context, sequenceID string, limit int) ([]storage.SequenceRun, error) {
	return e.store.ListSequenceRuns(ctx, sequenceID, limit)
}

// Shutdown cancels every running sequence and waits for the run
// goroutines to drain, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runningMu.Lock()
	for _, cancel := range e.runningContexts {
		cancel()
	}
	e.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) runSequence(ctx context.Context, runID uuid.UUID, seq *Sequence) {
	log := e.logger.With(zap.String("sequence", seq.ID), zap.String("run", runID.String()))
	log.Info("Sequence run started", zap.Int("steps", len(seq.Steps)))
	e.publish(Event{RunID: runID, SequenceID: seq.ID, Type: EventRunStarted})

	for i := range seq.Steps {
		step := &seq.Steps[i]
		if err := e.runStep(ctx, runID, seq, i, step); err != nil {
			status := StatusFailed
			evtType := EventRunFailed
			if errors.Is(err, context.Canceled) {
				status = StatusCancelled
				evtType = EventRunCancelled
			}
			msg := err.Error()
			e.finish(runID, status, &msg)
			e.publish(Event{RunID: runID, SequenceID: seq.ID, Type: evtType,
				StepIndex: i, StepName: step.Name, Error: msg})
			log.Warn("Sequence run stopped",
				zap.String("status", status),
				zap.Int("step", i),
				zap.Error(err))
			return
		}
	}

	e.finish(runID, StatusSucceeded, nil)
	e.publish(Event{RunID: runID, SequenceID: seq.ID, Type: EventRunSucceeded,
		StepIndex: len(seq.Steps)})
	log.Info("Sequence run succeeded")
}

func (e *Engine) runStep(ctx context.Context, runID uuid.UUID, seq *Sequence, index int, step *Step) error {
	e.publish(Event{RunID: runID, SequenceID: seq.ID, Type: EventStepStarted,
		StepIndex: index, StepName: step.Name})

	res := &storage.SequenceStepResult{
		RunID:     runID,
		StepIndex: index,
		StepName:  step.Name,
		StartedAt: time.Now(),
	}

	err := e.executeStep(ctx, step)

	now := time.Now()
	res.FinishedAt = &now

	if err != nil {
		res.Status = StatusFailed
		if errors.Is(err, context.Canceled) {
			res.Status = StatusCancelled
		}
		msg := err.Error()
		res.Error = &msg
		e.persistStep(res)
		e.publish(Event{RunID: runID, SequenceID: seq.ID, Type: EventStepFailed,
			StepIndex: index, StepName: step.Name, Error: msg})
		return err
	}

	res.Status = StatusSucceeded
	e.persistStep(res)
	e.publish(Event{RunID: runID, SequenceID: seq.ID, Type: EventStepSucceeded,
		StepIndex: index, StepName: step.Name})
	return nil
}

// persistCtx returns a context for result writes. The run context is
// unusable here: a cancelled run still has to record that it was
// cancelled.
func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (e *Engine) persistStep(res *storage.SequenceStepResult) {
	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.store.InsertStepResult(ctx, res); err != nil {
		e.logger.Error("Failed to persist step result",
			zap.String("run", res.RunID.String()),
			zap.Int("step", res.StepIndex),
			zap.Error(err))
	}
}

func (e *Engine) finish(runID uuid.UUID, status string, msg *string) {
	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.store.FinishSequenceRun(ctx, runID, status, msg); err != nil {
		e.logger.Error("Failed to persist run result",
			zap.String("run", runID.String()),
			zap.Error(err))
	}
}

func (e *Engine) publish(evt Event) {
	evt.Timestamp = time.Now()
	e.notifier.SequenceEvent(evt)
}
