package storage

import (
	"time"

	"github.com/google/uuid"
)

// InterlockEvent is one persisted latch edge: an interlock or alarm
// committing or clearing on a supply module.
type InterlockEvent struct {
	ID        int64     `json:"id"`
	Supply    string    `json:"supply"`
	Module    int       `json:"module"`
	Kind      string    `json:"kind"` // hard | soft | alarm
	Bit       int       `json:"bit"`
	Name      string    `json:"name"`
	State     string    `json:"state"` // committed | cleared
	CreatedAt time.Time `json:"created_at"`
}

// StateTransition is one persisted supply state change.
type StateTransition struct {
	ID        int64     `json:"id"`
	Supply    string    `json:"supply"`
	Module    int       `json:"module"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type SequenceRun struct {
	ID         uuid.UUID  `json:"id"`
	SequenceID string     `json:"sequence_id"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type SequenceStepResult struct {
	ID         int64      `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	StepIndex  int        `json:"step_index"`
	StepName   string     `json:"step_name"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
