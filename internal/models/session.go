package models

import "time"

// Outcome is the result class of one session attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeCodeComplete    Outcome = "code_complete"
	OutcomeFailure         Outcome = "failure"
	OutcomePartial         Outcome = "partial"
	OutcomeContextOverflow Outcome = "context_overflow"
)

// IsSuccess reports whether the outcome completes the work item.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSuccess || o == OutcomeCodeComplete
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeCodeComplete, OutcomeFailure, OutcomePartial, OutcomeContextOverflow:
		return true
	}
	return false
}

// SessionResult is the immutable record of one worker's attempt at one item.
type SessionResult struct {
	ItemID        string
	AgentID       string
	Outcome       Outcome
	Summary       string
	CommitRef     string
	FilesModified []string
	Duration      time.Duration
	Error         string
	FinishedAt    time.Time
}

// SessionContext is what the coordinator tells an engine about the session
// it is starting.
type SessionContext struct {
	RunID   string
	AgentID string
	// Branch is the worker branch created for the item, if any.
	Branch  string
	BaseRef string
	BaseAt  time.Time
	// Dir is the checkout the session works in; empty means the engine's own.
	Dir string
	// Attempt is 1 for the first try and increments with each retry.
	Attempt int
	// Notes carries redirect notes from the latest checkpoint.
	Notes string
}
