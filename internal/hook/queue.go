// Package hook hands out exclusive, heartbeat-renewed claims on work items
// from the issue ledger and recycles claims whose holders stop heartbeating.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/harness/internal/clock"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

// ErrNotClaimOwner is returned when an agent acts on a claim it no longer holds.
var ErrNotClaimOwner = errors.New("claim not owned by agent")

const (
	DefaultClaimTimeout = 10 * time.Minute
	DefaultMaxRetries   = 2

	reasonNoWork = "no work available"
)

// Config configures a Queue. A zero ClaimTimeout or a negative MaxRetries
// falls back to the default.
type Config struct {
	ClaimTimeout time.Duration
	MaxRetries   int
	// Label restricts claiming to items carrying this label.
	Label  string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Queue is the hook queue. All state lives in the ledger; a Queue can be
// rebuilt at any time from the store.
type Queue struct {
	store        store.Store
	clock        clock.Clock
	logger       *slog.Logger
	claimTimeout time.Duration
	maxRetries   int
	label        string
}

// ClaimResult is returned by Claim.
type ClaimResult struct {
	Success bool
	Item    *models.WorkItem
	Claim   *models.HookClaim
	Reason  string
}

// ReleaseResult describes where an item landed after a release or sweep.
type ReleaseResult struct {
	ItemID     string
	AgentID    string
	State      models.HookState
	RetryCount int
	// Terminal is true when retries were exhausted and the item failed.
	Terminal bool
}

// New returns a Queue backed by s.
func New(s store.Store, cfg Config) *Queue {
	q := &Queue{
		store:        s,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		claimTimeout: cfg.ClaimTimeout,
		maxRetries:   cfg.MaxRetries,
		label:        cfg.Label,
	}
	if q.clock == nil {
		q.clock = clock.Real()
	}
	if q.logger == nil {
		q.logger = slog.New(slog.DiscardHandler)
	}
	if q.claimTimeout <= 0 {
		q.claimTimeout = DefaultClaimTimeout
	}
	if q.maxRetries < 0 {
		q.maxRetries = DefaultMaxRetries
	}
	return q
}

// ClaimTimeout returns the heartbeat deadline after which a claim is stale.
func (q *Queue) ClaimTimeout() time.Duration { return q.claimTimeout }

// Claim takes the first ready item in priority order, oldest-ready first.
// Losing a race for an item moves on to the next candidate.
func (q *Queue) Claim(ctx context.Context, agentID string) (ClaimResult, error) {
	items, err := q.store.ListItems(ctx, store.ItemFilter{State: models.HookStateReady, Label: q.label})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("list ready items: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return ClaimResult{}, err
		}
		now := q.clock.Now()
		claim := &models.HookClaim{ItemID: item.ID, AgentID: agentID, ClaimedAt: now, LastHeartbeat: now}
		updated, err := q.store.UpdateItemState(ctx, store.StateUpdate{
			ID:              item.ID,
			Expected:        models.HookStateReady,
			ExpectedVersion: item.Version,
			Next:            models.HookStateInProgress,
			Claim:           claim,
			At:              now,
		})
		if errors.Is(err, store.ErrStateConflict) {
			q.logger.Debug("lost claim race", "item", item.ID, "agent", agentID)
			continue
		}
		if err != nil {
			return ClaimResult{}, fmt.Errorf("claim item %s: %w", item.ID, err)
		}
		q.logger.Info("claimed item", "item", item.ID, "agent", agentID, "retries", updated.RetryCount)
		return ClaimResult{Success: true, Item: updated, Claim: claim}, nil
	}

	return ClaimResult{Success: false, Reason: reasonNoWork}, nil
}

// Heartbeat renews agentID's claim on itemID. It returns ErrNotClaimOwner
// if the claim was swept or now belongs to another agent.
func (q *Queue) Heartbeat(ctx context.Context, itemID, agentID string) error {
	err := q.store.UpdateHeartbeat(ctx, itemID, agentID, q.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("heartbeat %s: %w", itemID, ErrNotClaimOwner)
	}
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", itemID, err)
	}
	return nil
}

// Release ends agentID's claim on itemID. Success outcomes close the item;
// every other outcome consumes a retry, failing the item once retries are
// exhausted.
func (q *Queue) Release(ctx context.Context, itemID, agentID string, outcome models.Outcome) (ReleaseResult, error) {
	item, err := q.store.GetItem(ctx, itemID)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("release %s: %w", itemID, err)
	}
	if item.State != models.HookStateInProgress {
		return ReleaseResult{}, fmt.Errorf("release %s (state %s): %w", itemID, item.State, ErrNotClaimOwner)
	}

	u := q.nextState(item, agentID, outcome.IsSuccess())
	res, err := q.apply(ctx, u, agentID)
	if errors.Is(err, store.ErrStateConflict) {
		return ReleaseResult{}, fmt.Errorf("release %s: %w", itemID, ErrNotClaimOwner)
	}
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("release %s: %w", itemID, err)
	}
	q.logger.Info("released item", "item", itemID, "agent", agentID, "outcome", outcome, "state", res.State)
	return res, nil
}

// Requeue returns agentID's claimed item to ready without consuming a retry.
// It is used for sessions cut short by an operator interrupt.
func (q *Queue) Requeue(ctx context.Context, itemID, agentID string) (ReleaseResult, error) {
	item, err := q.store.GetItem(ctx, itemID)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("requeue %s: %w", itemID, err)
	}
	if item.State != models.HookStateInProgress {
		return ReleaseResult{}, fmt.Errorf("requeue %s (state %s): %w", itemID, item.State, ErrNotClaimOwner)
	}
	res, err := q.apply(ctx, store.StateUpdate{
		ID:              item.ID,
		Expected:        models.HookStateInProgress,
		ExpectedVersion: item.Version,
		Next:            models.HookStateReady,
		ClaimAgent:      agentID,
		At:              q.clock.Now(),
	}, agentID)
	if errors.Is(err, store.ErrStateConflict) {
		return ReleaseResult{}, fmt.Errorf("requeue %s: %w", itemID, ErrNotClaimOwner)
	}
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("requeue %s: %w", itemID, err)
	}
	q.logger.Info("requeued item", "item", itemID, "agent", agentID)
	return res, nil
}

// SweepStaleClaims force-releases every claim whose last heartbeat is older
// than the claim timeout at now. Retry accounting matches a failed release.
func (q *Queue) SweepStaleClaims(ctx context.Context, now time.Time) ([]ReleaseResult, error) {
	return q.releaseWhere(ctx, "stale", func(c *models.HookClaim) bool {
		return c.IsStale(now, q.claimTimeout)
	})
}

// Recover releases claims held by agents whose IDs start with agentPrefix.
// It is used on resume for claims left behind by a previous process.
func (q *Queue) Recover(ctx context.Context, agentPrefix string) ([]ReleaseResult, error) {
	if agentPrefix == "" {
		return nil, nil
	}
	return q.releaseWhere(ctx, "recovered", func(c *models.HookClaim) bool {
		return strings.HasPrefix(c.AgentID, agentPrefix)
	})
}

// RunSweeper sweeps stale claims every interval until ctx is done.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.SweepStaleClaims(ctx, q.clock.Now()); err != nil && ctx.Err() == nil {
				q.logger.Warn("sweep stale claims", "error", err)
			}
		}
	}
}

// Remaining returns the number of items that are not yet terminal.
func (q *Queue) Remaining(ctx context.Context) (int, error) {
	total := 0
	for _, state := range []models.HookState{models.HookStateReady, models.HookStateInProgress} {
		items, err := q.store.ListItems(ctx, store.ItemFilter{State: state, Label: q.label})
		if err != nil {
			return 0, fmt.Errorf("count %s items: %w", state, err)
		}
		total += len(items)
	}
	return total, nil
}

// Depth returns the number of ready items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	items, err := q.store.ListItems(ctx, store.ItemFilter{State: models.HookStateReady, Label: q.label})
	if err != nil {
		return 0, fmt.Errorf("count ready items: %w", err)
	}
	return len(items), nil
}

func (q *Queue) releaseWhere(ctx context.Context, why string, match func(*models.HookClaim) bool) ([]ReleaseResult, error) {
	claims, err := q.store.ListClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}

	var results []ReleaseResult
	for _, c := range claims {
		if !match(c) {
			continue
		}
		item, err := q.store.GetItem(ctx, c.ItemID)
		if err != nil {
			return results, fmt.Errorf("get item %s: %w", c.ItemID, err)
		}
		if item.State != models.HookStateInProgress {
			continue
		}
		res, err := q.apply(ctx, q.nextState(item, c.AgentID, false), c.AgentID)
		if errors.Is(err, store.ErrStateConflict) {
			// Released by its owner between listing and update.
			continue
		}
		if err != nil {
			return results, fmt.Errorf("force release %s: %w", c.ItemID, err)
		}
		q.logger.Warn("force released claim", "reason", why, "item", c.ItemID, "agent", c.AgentID,
			"last_heartbeat", c.LastHeartbeat, "state", res.State)
		results = append(results, res)
	}
	return results, nil
}

func (q *Queue) nextState(item *models.WorkItem, agentID string, success bool) store.StateUpdate {
	u := store.StateUpdate{
		ID:              item.ID,
		Expected:        models.HookStateInProgress,
		ExpectedVersion: item.Version,
		ClaimAgent:      agentID,
		At:              q.clock.Now(),
	}
	switch {
	case success:
		u.Next = models.HookStateClosed
	case item.RetryCount >= q.maxRetries:
		u.Next = models.HookStateFailed
	default:
		u.Next = models.HookStateReady
		u.IncrementRetry = true
	}
	return u
}

func (q *Queue) apply(ctx context.Context, u store.StateUpdate, agentID string) (ReleaseResult, error) {
	updated, err := q.store.UpdateItemState(ctx, u)
	if err != nil {
		return ReleaseResult{}, err
	}
	return ReleaseResult{
		ItemID:     updated.ID,
		AgentID:    agentID,
		State:      updated.State,
		RetryCount: updated.RetryCount,
		Terminal:   updated.State == models.HookStateFailed,
	}, nil
}
