package models

import "time"

// ConflictType classifies how a merge request overlaps with other landed work.
type ConflictType string

const (
	ConflictNone             ConflictType = "none"
	ConflictOverlappingFiles ConflictType = "overlapping_files"
	ConflictComplex          ConflictType = "complex"
)

// MergeStatus tracks a merge request through the refinery.
type MergeStatus string

const (
	MergeStatusPending   MergeStatus = "pending"
	MergeStatusMerging   MergeStatus = "merging"
	MergeStatusCompleted MergeStatus = "completed"
	MergeStatusFailed    MergeStatus = "failed"
)

// MergeRequest is submitted by a worker that finished a unit of work.
type MergeRequest struct {
	ID            string
	WorkerID      string   `validate:"required"`
	ItemID        string   `validate:"required"`
	CommitRef     string   `validate:"required"`
	FilesModified []string `validate:"dive,required"`
	BranchName    string
	BaseRef       string    // commit the worker branch was cut from
	BaseAt        time.Time // when the worker branch was cut
	RequestedAt   time.Time
	LandedAt      time.Time
}

// MergeResult is the computed classification of a merge request.
type MergeResult struct {
	Allowed          bool
	ConflictType     ConflictType
	ConflictingFiles []string
	ConflictsWith    []string // worker IDs
	AutoMergeable    bool
	Reason           string
}

// FailedMerge pairs a rejected request with the reason it was rejected.
type FailedMerge struct {
	Request MergeRequest
	Reason  string
}

// MergeRecord is the ledger's view of a merge request.
type MergeRecord struct {
	ID           string
	RunID        string
	WorkerID     string
	ItemID       string
	CommitRef    string
	BranchName   string
	Files        []string
	Status       MergeStatus
	ConflictType ConflictType
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
