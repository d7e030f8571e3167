// Package refinery serializes finished work onto the shared branch. Requests
// pass through a single merge slot one at a time, and requests whose files
// conflict with already-landed work are rejected before they reach it.
package refinery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/harness/internal/clock"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

// Merger lands an allowed request on the shared branch.
type Merger interface {
	Merge(ctx context.Context, req models.MergeRequest) error
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(ctx context.Context, req models.MergeRequest) error

func (f MergerFunc) Merge(ctx context.Context, req models.MergeRequest) error { return f(ctx, req) }

// NopMerger accepts every request without touching a repository.
type NopMerger struct{}

func (NopMerger) Merge(context.Context, models.MergeRequest) error { return nil }

// Config configures a Queue.
type Config struct {
	Policy Policy
	// Holder identifies this process on the merge slot; usually the run ID.
	Holder string
	RunID  string
	Slot   SlotLock
	Merger Merger
	// Store, when set, receives a record of every transition.
	Store  store.Store
	Clock  clock.Clock
	Logger *slog.Logger
}

// State is a snapshot of the queue.
type State struct {
	Pending   []models.MergeRequest
	Merging   *models.MergeRequest
	Completed []models.MergeRequest
	Failed    []models.FailedMerge
}

// Outcome reports what a TryMerge call did to one request.
type Outcome struct {
	Request models.MergeRequest
	Result  models.MergeResult
	Status  models.MergeStatus
	Err     error
}

// Queue is the merge queue. Requests move pending -> merging -> completed,
// or pending -> failed, and never revisit pending.
type Queue struct {
	mu          sync.Mutex
	pending     []models.MergeRequest
	merging     *models.MergeRequest
	completed   []models.MergeRequest
	failed      []models.FailedMerge
	windowStart time.Time

	policy Policy
	holder string
	runID  string
	slot   SlotLock
	merger Merger
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New returns an empty queue whose conflict window starts now.
func New(cfg Config) *Queue {
	q := &Queue{
		policy: cfg.Policy,
		holder: cfg.Holder,
		runID:  cfg.RunID,
		slot:   cfg.Slot,
		merger: cfg.Merger,
		store:  cfg.Store,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if q.clock == nil {
		q.clock = clock.Real()
	}
	if q.logger == nil {
		q.logger = slog.New(slog.DiscardHandler)
	}
	if q.slot == nil {
		q.slot = &LocalSlot{}
	}
	if q.merger == nil {
		q.merger = NopMerger{}
	}
	if q.holder == "" {
		q.holder = "refinery"
	}
	q.windowStart = q.clock.Now()
	return q
}

// Submit validates req, stamps it and appends it to the pending queue.
func (q *Queue) Submit(ctx context.Context, req models.MergeRequest) (models.MergeRequest, error) {
	if err := models.Validate(req); err != nil {
		return req, fmt.Errorf("submit merge request: %w", err)
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = q.clock.Now()
	}
	req.LandedAt = time.Time{}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	q.logger.Info("merge request submitted", "id", req.ID, "worker", req.WorkerID, "item", req.ItemID, "files", len(req.FilesModified))
	q.record(ctx, req, models.MergeStatusPending, models.MergeResult{})
	return req, nil
}

// TryMerge advances the queue by at most one request. It is a no-op while
// another request holds the merge slot or nothing is pending. A rejected
// request is moved to failed without occupying the slot. ErrSlotHeld means
// another process holds the slot and the head request stays pending.
func (q *Queue) TryMerge(ctx context.Context) (*Outcome, error) {
	q.mu.Lock()
	if q.merging != nil || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil, nil
	}

	req := q.pending[0]
	result := q.policy.Evaluate(req, q.othersLocked(req), q.windowStart)
	if !result.Allowed {
		q.pending = q.pending[1:]
		q.failed = append(q.failed, models.FailedMerge{Request: req, Reason: result.Reason})
		q.mu.Unlock()

		q.logger.Warn("merge request rejected", "id", req.ID, "worker", req.WorkerID, "conflict", result.ConflictType, "reason", result.Reason)
		q.record(ctx, req, models.MergeStatusFailed, result)
		return &Outcome{Request: req, Result: result, Status: models.MergeStatusFailed}, nil
	}

	if err := q.slot.Acquire(ctx, q.holder, req.CommitRef); err != nil {
		q.mu.Unlock()
		if errors.Is(err, ErrSlotHeld) {
			q.logger.Debug("merge slot busy", "id", req.ID, "error", err)
			return nil, err
		}
		return nil, fmt.Errorf("acquire merge slot: %w", err)
	}
	q.pending = q.pending[1:]
	q.merging = &req
	q.mu.Unlock()

	q.record(ctx, req, models.MergeStatusMerging, result)
	mergeErr := q.merger.Merge(ctx, req)

	q.mu.Lock()
	q.merging = nil
	out := &Outcome{Request: req, Result: result}
	if mergeErr != nil {
		reason := fmt.Sprintf("merge failed: %v", mergeErr)
		q.failed = append(q.failed, models.FailedMerge{Request: req, Reason: reason})
		out.Status = models.MergeStatusFailed
		out.Err = mergeErr
		out.Result.Allowed = false
		out.Result.Reason = reason
	} else {
		req.LandedAt = q.clock.Now()
		q.completed = append(q.completed, req)
		out.Request = req
		out.Status = models.MergeStatusCompleted
	}
	q.mu.Unlock()

	if err := q.slot.Release(ctx, q.holder); err != nil {
		q.logger.Warn("release merge slot", "error", err)
	}
	if mergeErr != nil {
		q.logger.Warn("merge failed", "id", req.ID, "worker", req.WorkerID, "error", mergeErr)
	} else {
		q.logger.Info("merge completed", "id", req.ID, "worker", req.WorkerID, "conflict", result.ConflictType)
	}
	q.record(ctx, req, out.Status, out.Result)
	return out, nil
}

// Drain calls TryMerge until the queue stops advancing and returns every
// outcome produced.
func (q *Queue) Drain(ctx context.Context) ([]Outcome, error) {
	var outcomes []Outcome
	for {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out, err := q.TryMerge(ctx)
		if err != nil {
			return outcomes, err
		}
		if out == nil {
			return outcomes, nil
		}
		outcomes = append(outcomes, *out)
	}
}

// ResetWindow starts a new checkpoint window at at. Requests without a known
// base are checked only against work landed since the window started.
func (q *Queue) ResetWindow(at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.windowStart = at
}

// State returns a copy of the queue contents.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := State{
		Pending:   append([]models.MergeRequest(nil), q.pending...),
		Completed: append([]models.MergeRequest(nil), q.completed...),
		Failed:    append([]models.FailedMerge(nil), q.failed...),
	}
	if q.merging != nil {
		m := *q.merging
		st.Merging = &m
	}
	return st
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// othersLocked returns the requests req must be checked against: the one in
// flight, and completed requests that landed after req's branch was cut, or
// within the current window when the base time is unknown.
func (q *Queue) othersLocked(req models.MergeRequest) []models.MergeRequest {
	var others []models.MergeRequest
	if q.merging != nil {
		others = append(others, *q.merging)
	}
	since := req.BaseAt
	if since.IsZero() {
		since = q.windowStart
	}
	for _, c := range q.completed {
		if !c.LandedAt.Before(since) {
			others = append(others, c)
		}
	}
	return others
}

func (q *Queue) record(ctx context.Context, req models.MergeRequest, status models.MergeStatus, result models.MergeResult) {
	if q.store == nil {
		return
	}
	rec := &models.MergeRecord{
		ID:           req.ID,
		RunID:        q.runID,
		WorkerID:     req.WorkerID,
		ItemID:       req.ItemID,
		CommitRef:    req.CommitRef,
		BranchName:   req.BranchName,
		Files:        req.FilesModified,
		Status:       status,
		ConflictType: result.ConflictType,
		Reason:       result.Reason,
		CreatedAt:    req.RequestedAt,
	}
	if err := q.store.SaveMergeRecord(ctx, rec); err != nil {
		q.logger.Warn("save merge record", "id", req.ID, "error", err)
	}
}
