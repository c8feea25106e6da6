package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle of a bot run. At most one run is ever in
// RunStatusRunning; the store enforces that single-flight constraint.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// BotRun is one batch invocation of the pipeline over pending records.
type BotRun struct {
	ID             string          `json:"id"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Status         RunStatus       `json:"status"`
	Processed      int             `json:"records_processed"`
	Errored        int             `json:"records_errored"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// NewBotRun builds a run in the running state with a fresh id.
func NewBotRun(configSnapshot json.RawMessage) *BotRun {
	return &BotRun{
		ID:             uuid.New().String(),
		StartedAt:      time.Now().UTC(),
		Status:         RunStatusRunning,
		ConfigSnapshot: configSnapshot,
	}
}

// Duration returns the wall-clock length of the run, or zero while running.
func (r *BotRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
