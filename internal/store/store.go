package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/harness/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a conditional update finds the record
	// in a different state or version than expected.
	ErrStateConflict = errors.New("state conflict")
)

// ItemFilter specifies filters for listing work items.
type ItemFilter struct {
	State models.HookState
	Label string
	Limit int
}

// StateUpdate is a conditional transition of one work item. It applies only
// when the item is currently in Expected at ExpectedVersion.
type StateUpdate struct {
	ID              string
	Expected        models.HookState
	ExpectedVersion int
	Next            models.HookState
	// Claim is inserted when Next is in_progress.
	Claim *models.HookClaim
	// ClaimAgent, when set, requires the live claim to belong to this agent
	// before leaving in_progress.
	ClaimAgent     string
	IncrementRetry bool
	At             time.Time
}

// Store defines the persistence interface for the issue ledger.
type Store interface {
	// Items
	CreateItem(ctx context.Context, item *models.WorkItem) error
	GetItem(ctx context.Context, id string) (*models.WorkItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*models.WorkItem, error)
	UpdateItemState(ctx context.Context, u StateUpdate) (*models.WorkItem, error)
	AppendLabel(ctx context.Context, itemID, label string) error
	ListByLabel(ctx context.Context, label string) ([]*models.WorkItem, error)
	CountItemsByState(ctx context.Context) (map[models.HookState]int, error)

	// Claims
	GetClaim(ctx context.Context, itemID string) (*models.HookClaim, error)
	ListClaims(ctx context.Context) ([]*models.HookClaim, error)
	UpdateHeartbeat(ctx context.Context, itemID, agentID string, at time.Time) error

	// Session results
	RecordSessionResult(ctx context.Context, runID string, r *models.SessionResult) error
	ListSessionResults(ctx context.Context, runID string, limit int) ([]*models.SessionResult, error)

	// Checkpoints
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, runID string, limit int) ([]*models.Checkpoint, error)

	// Runs
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	LatestRun(ctx context.Context) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error

	// Redirects
	CreateRedirect(ctx context.Context, r *models.Redirect) error
	ListPendingRedirects(ctx context.Context) ([]*models.Redirect, error)
	ConsumeRedirects(ctx context.Context, ids []string, at time.Time) error

	// Merge slot lease and merge request records
	AcquireMergeSlot(ctx context.Context, holder, commitRef string, now time.Time, ttl time.Duration) error
	ReleaseMergeSlot(ctx context.Context, holder string) error
	SaveMergeRecord(ctx context.Context, rec *models.MergeRecord) error
	ListMergeRecords(ctx context.Context, runID string, limit int) ([]*models.MergeRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
