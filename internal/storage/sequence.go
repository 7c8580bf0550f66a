package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// CreateSequenceRun inserts a new run in its starting state.
func (p *PostgresClient) CreateSequenceRun(ctx context.Context, run *SequenceRun) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO sequence_runs (id, sequence_id, status)
		VALUES ($1, $2, $3)
		RETURNING started_at
	`, run.ID, run.SequenceID, run.Status).Scan(&run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sequence run: %w", err)
	}
	return nil
}

// FinishSequenceRun records the terminal status of a run.
func (p *PostgresClient) FinishSequenceRun(ctx context.Context, runID uuid.UUID, status string, runErr *string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE sequence_runs
		SET status = $2, error = $3, finished_at = NOW()
		WHERE id = $1
	`, runID, status, runErr)
	if err != nil {
		return fmt.Errorf("failed to finish sequence run: %w", err)
	}
	return nil
}

// InsertStepResult persists one executed step.
func (p *PostgresClient) InsertStepResult(ctx context.Context, res *SequenceStepResult) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO sequence_step_results (run_id, step_index, step_name, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, res.RunID, res.StepIndex, res.StepName, res.Status, res.Error,
		res.StartedAt, res.FinishedAt).Scan(&res.ID)
	if err != nil {
		return fmt.Errorf("failed to insert step result: %w", err)
	}
	return nil
}

// GetSequenceRun loads a run with its step results.
func (p *PostgresClient) GetSequenceRun(ctx context.Context, runID uuid.UUID) (*SequenceRun, []SequenceStepResult, error) {
	var run SequenceRun
	err := p.pool.QueryRow(ctx, `
		SELECT id, sequence_id, status, error, started_at, finished_at
		FROM sequence_runs
		WHERE id = $1
	`, runID).Scan(&run.ID, &run.SequenceID, &run.Status, &run.Error,
		&run.StartedAt, &run.FinishedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, fmt.Errorf("%w: sequence run %s", types.ErrNotFound, runID)
		}
		return nil, nil, fmt.Errorf("failed to load sequence run: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, step_index, step_name, status, error, started_at, finished_at
		FROM sequence_step_results
		WHERE run_id = $1
		ORDER BY step_index
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load step results: %w", err)
	}
	defer rows.Close()

	steps := make([]SequenceStepResult, 0)
	for rows.Next() {
		var res SequenceStepResult
		err := rows.Scan(&res.ID, &res.RunID, &res.StepIndex, &res.StepName,
			&res.Status, &res.Error, &res.StartedAt, &res.FinishedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		steps = append(steps, res)
	}
	return &run, steps, rows.Err()
}

// ListSequenceRuns returns runs newest first, optionally filtered by
// sequence id.
func (p *PostgresClient) ListSequenceRuns(ctx context.Context, sequenceID string, limit int) ([]SequenceRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, sequence_id, status, error, started_at, finished_at
		FROM sequence_runs
		WHERE ($1 = '' OR sequence_id = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`, sequenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequence runs: %w", err)
	}
	defer rows.Close()

	runs := make([]SequenceRun, 0)
	for rows.Next() {
		var run SequenceRun
		err := rows.Scan(&run.ID, &run.SequenceID, &run.Status, &run.Error,
			&run.StartedAt, &run.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneEvents deletes history older than the retention window. Used
// by operators on long-lived installations; nothing calls it on a
// schedule.
func (p *PostgresClient) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, table := range []string{"interlock_events", "state_transitions"} {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, table), before)
		if err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return total, nil
}
