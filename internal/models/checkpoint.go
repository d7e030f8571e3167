package models

import "time"

// CheckpointPolicy decides when a run stops to produce a checkpoint.
type CheckpointPolicy struct {
	AfterSessions     int     `validate:"gte=0"`
	AfterHours        float64 `validate:"gte=0"`
	OnError           bool
	OnConfidenceBelow float64 `validate:"gte=0,lte=1"`
	OnRedirect        bool
}

// DefaultCheckpointPolicy returns the policy used when none is configured.
func DefaultCheckpointPolicy() CheckpointPolicy {
	return CheckpointPolicy{
		AfterSessions:     3,
		AfterHours:        4,
		OnError:           true,
		OnConfidenceBelow: 0.7,
		OnRedirect:        true,
	}
}

// Checkpoint is a durable, human-readable progress snapshot.
type Checkpoint struct {
	ID              string
	RunID           string
	SessionNumber   int
	Summary         string
	Reason          string
	ItemsCompleted  []string
	ItemsInProgress []string
	ItemsFailed     []string
	CommitRef       string
	Confidence      float64
	RedirectNotes   string
	CreatedAt       time.Time
}

// Redirect is a human-issued instruction that forces an early checkpoint.
type Redirect struct {
	ID         string
	Note       string
	CreatedAt  time.Time
	ConsumedAt *time.Time
}
