package models

import "time"

// RunStatus is the coordinator state machine over a whole run.
type RunStatus string

const (
	RunStatusInitializing RunStatus = "initializing"
	RunStatusRunning      RunStatus = "running"
	RunStatusPaused       RunStatus = "paused"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
)

// IsTerminal reports whether the run can no longer be resumed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is the persisted record of one coordinator run.
type Run struct {
	ID                string
	Status            RunStatus
	SessionsCompleted int
	LastCheckpointID  string
	Error             string
	StartedAt         time.Time
	UpdatedAt         time.Time
	EndedAt           *time.Time
}

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
