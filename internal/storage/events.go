package storage

import (
	"context"
	"fmt"
	"time"
)

// InsertInterlockEvent persists one latch edge. Called from the
// service-side monitor, never from the control tick.
func (p *PostgresClient) InsertInterlockEvent(ctx context.Context, ev *InterlockEvent) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO interlock_events (supply, module, kind, bit, name, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, ev.Supply, ev.Module, ev.Kind, ev.Bit, ev.Name, ev.State).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert interlock event: %w", err)
	}
	return nil
}

// InsertStateTransition persists one supply state change.
func (p *PostgresClient) InsertStateTransition(ctx context.Context, tr *StateTransition) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO state_transitions (supply, module, from_state, to_state, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, tr.Supply, tr.Module, tr.FromState, tr.ToState, tr.Reason).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert state transition: %w", err)
	}
	return nil
}

// EventFilter narrows history queries. Zero values mean no filter;
// Limit defaults to 100.
type EventFilter struct {
	Supply string
	Kind   string
	Since  time.Time
	Limit  int
}

func (f EventFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// ListInterlockEvents returns persisted latch edges, newest first.
func (p *PostgresClient) ListInterlockEvents(ctx context.Context, f EventFilter) ([]InterlockEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, supply, module, kind, bit, name, state, created_at
		FROM interlock_events
		WHERE ($1 = '' OR supply = $1)
		  AND ($2 = '' OR kind = $2)
		  AND created_at >= $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, f.Supply, f.Kind, f.Since, f.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to query interlock events: %w", err)
	}
	defer rows.Close()

	events := make([]InterlockEvent, 0)
	for rows.Next() {
		var ev InterlockEvent
		err := rows.Scan(&ev.ID, &ev.Supply, &ev.Module, &ev.Kind, &ev.Bit,
			&ev.Name, &ev.State, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interlock event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListStateTransitions returns persisted state changes, newest first.
func (p *PostgresClient) ListStateTransitions(ctx context.Context, f EventFilter) ([]StateTransition, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, supply, module, from_state, to_state, reason, created_at
		FROM state_transitions
		WHERE ($1 = '' OR supply = $1)
		  AND created_at >= $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, f.Supply, f.Since, f.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to query state transitions: %w", err)
	}
	defer rows.Close()

	transitions := make([]StateTransition, 0)
	for rows.Next() {
		var tr StateTransition
		err := rows.Scan(&tr.ID, &tr.Supply, &tr.Module, &tr.FromState,
			&tr.ToState, &tr.Reason, &tr.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state transition: %w", err)
		}
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}
