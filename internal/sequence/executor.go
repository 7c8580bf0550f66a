package sequence

import (
	"context"
	"fmt"
	"time"
)

// statePollInterval is how often a wait_state step samples the module
// state.
const statePollInterval = 50 * time.Millisecond

func (e *Engine) executeStep(ctx context.Context, step *Step) error {
	switch step.Type {
	case StepTypeCommand:
		return e.executeCommand(ctx, step)
	case StepTypeWait:
		return e.executeWait(ctx, step)
	case StepTypeWaitState:
		return e.executeWaitState(ctx, step)
	default:
		return fmt.Errorf("unknown step type: %s", step.Type)
	}
}

func (e *Engine) executeCommand(ctx context.Context, step *Step) error {
	cmd, err := step.ToCommand()
	if err != nil {
		return err
	}

	cmdCtx := ctx
	if step.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, step.Timeout.Duration)
		defer cancel()
	}

	if err := e.commander.Execute(cmdCtx, step.Supply, cmd); err != nil {
		return fmt.Errorf("command %s on %s: %w", cmd.Op, step.Supply, err)
	}
	return nil
}

func (e *Engine) executeWait(ctx context.Context, step *Step) error {
	select {
	case <-time.After(step.Duration.Duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeWaitState polls until the addressed module reports the wanted
// state or the step timeout expires.
func (e *Engine) executeWaitState(ctx context.Context, step *Step) error {
	deadline := time.NewTimer(step.Timeout.Duration)
	defer deadline.Stop()

	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		state, err := e.commander.ModuleState(step.Supply, step.Module)
		if err != nil {
			return fmt.Errorf("wait for state %s on %s: %w", step.State, step.Supply, err)
		}
		if state == step.State {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for %s module %d to reach %s (currently %s)",
				step.Supply, step.Module, step.State, state)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
