package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/harness/internal/checkpoint"
	"github.com/joescharf/harness/internal/hook"
	"github.com/joescharf/harness/internal/models"
)

// mergeConflictLabel is appended to items whose work was rejected by the
// merge queue.
const mergeConflictLabel = "merge-conflict"

// loop is the coordinator state machine. Sessions run under ctx; every
// ledger write uses lctx so that an interrupt never loses a result.
func (c *Coordinator) loop(ctx, lctx context.Context, rc *RunContext) (models.RunStatus, string) {
	done := make(chan completion, c.cfg.MaxWorkers)
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	backoff := c.cfg.IdleBackoffMin
	ctxDone := ctx.Done()

	for {
		idle := false
		if rc.dispatching() {
			claimed, err := c.fill(ctx, lctx, rc, done)
			switch {
			case err != nil && Classify(err) != ClassTransient:
				rc.fail(fmt.Errorf("claim work: %w", err))
			case err != nil:
				c.logger.Debug("claim deferred", "error", err)
				idle = true
			case claimed:
				backoff = c.cfg.IdleBackoffMin
			case len(rc.inflight) < c.cfg.MaxWorkers:
				idle = true
			}
		}
		c.updateMetrics(lctx, rc)

		if len(rc.inflight) == 0 {
			switch {
			case rc.fatal != nil:
				return models.RunStatusFailed, rc.fatal.Error()
			case rc.interrupted:
				return models.RunStatusPaused, checkpoint.ReasonInterrupted
			case rc.paused:
				return models.RunStatusPaused, checkpoint.ReasonLowConfidence
			}
			remaining, err := rc.Hooks.Remaining(lctx)
			if err != nil {
				rc.fail(fmt.Errorf("count remaining work: %w", err))
				continue
			}
			if remaining == 0 {
				if rc.Merges.Len() == 0 {
					return models.RunStatusCompleted, checkpoint.ReasonRunComplete
				}
				if reason := c.advanceMerges(lctx, rc); reason != "" {
					c.writeCheckpoint(lctx, rc, reason)
				}
				if rc.Merges.Len() == 0 {
					continue
				}
				idle = true
			}
		}

		var idleC <-chan time.Time
		if idle {
			idleC = c.clock.After(backoff)
		}

		select {
		case comp := <-done:
			if ctxDone != nil && ctx.Err() != nil {
				ctxDone = nil
				c.interrupt(rc)
			}
			c.handleCompletion(lctx, rc, comp)
		case <-heartbeat.C:
			c.heartbeat(lctx, rc)
		case <-idleC:
			backoff = min(backoff*2, c.cfg.IdleBackoffMax)
		case <-ctxDone:
			ctxDone = nil
			c.interrupt(rc)
		}
	}
}

func (c *Coordinator) interrupt(rc *RunContext) {
	rc.interrupted = true
	rc.cancelAll()
	c.logger.Info("run interrupted, waiting for sessions", "run", rc.Run.ID, "in_flight", len(rc.inflight))
}

// fill claims work until every worker slot is busy or nothing is ready.
func (c *Coordinator) fill(ctx, lctx context.Context, rc *RunContext, done chan<- completion) (bool, error) {
	claimed := false
	for len(rc.inflight) < c.cfg.MaxWorkers {
		slot := rc.freeSlot()
		if slot < 0 {
			break
		}
		res, err := rc.Hooks.Claim(lctx, workerID(rc.Run.ID, slot))
		if err != nil {
			return claimed, err
		}
		if !res.Success {
			return claimed, nil
		}
		c.dispatch(ctx, lctx, rc, res, slot, done)
		claimed = true
	}
	return claimed, nil
}

func (c *Coordinator) dispatch(ctx, lctx context.Context, rc *RunContext, claim hook.ClaimResult, slot int, done chan<- completion) {
	item := *claim.Item
	sess := &session{
		item:    item,
		agentID: claim.Claim.AgentID,
		slot:    slot,
		started: c.clock.Now(),
	}
	var prepErr error
	if c.vcs != nil {
		if prepErr = c.prepareBranch(lctx, sess); prepErr != nil {
			c.logger.Warn("prepare session", "item", item.ID, "error", prepErr)
		}
	}
	sess.baseAt = c.clock.Now()

	sctx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	rc.inflight[item.ID] = sess
	rc.slots[slot] = true

	sc := models.SessionContext{
		RunID:   rc.Run.ID,
		AgentID: sess.agentID,
		Branch:  sess.branch,
		BaseRef: sess.baseRef,
		BaseAt:  sess.baseAt,
		Dir:     sess.dir,
		Attempt: item.RetryCount + 1,
		Notes:   rc.Notes,
	}
	c.logger.Info("session started", "item", item.ID, "agent", sess.agentID, "attempt", sc.Attempt)

	go func() {
		var (
			res models.SessionResult
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("session panicked: %v", r)
			}
			done <- completion{sess: sess, result: res, err: err}
		}()
		if prepErr != nil {
			err = prepErr
			return
		}
		res, err = c.engine.RunSession(sctx, item, sc)
	}()
}

// prepareBranch creates the worker branch for the item from the shared
// branch tip. A single worker checks it out in the shared working tree; more
// workers each get the workspace of their slot.
func (c *Coordinator) prepareBranch(ctx context.Context, sess *session) error {
	name := branchName(sess.item.ID)
	ref, err := c.vcs.CreateBranch(ctx, name)
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	sess.baseRef = ref
	sess.branch = name

	if ws, ok := c.vcs.(Workspaces); ok && c.cfg.MaxWorkers > 1 {
		dir, err := ws.Workspace(ctx, sess.slot, name)
		if err != nil {
			return fmt.Errorf("prepare workspace for %s: %w", name, err)
		}
		sess.dir = dir
		return nil
	}
	if err := c.vcs.Checkout(ctx, name); err != nil {
		return fmt.Errorf("checkout %s: %w", name, err)
	}
	return nil
}

func (c *Coordinator) handleCompletion(lctx context.Context, rc *RunContext, comp completion) {
	sess := comp.sess
	delete(rc.inflight, sess.item.ID)
	rc.slots[sess.slot] = false
	sess.cancel()

	res := c.normalize(sess, comp)
	log := c.logger.With("item", res.ItemID, "agent", res.AgentID, "outcome", res.Outcome)

	if sess.lost {
		log.Warn("session finished after losing its claim")
		c.recordResult(lctx, rc, res)
		return
	}
	if comp.err != nil && (rc.interrupted || rc.fatal != nil) {
		if _, err := rc.Hooks.Requeue(lctx, sess.item.ID, sess.agentID); err != nil {
			log.Warn("requeue interrupted item", "error", err)
		}
		return
	}

	rel, err := c.release(lctx, rc, sess, res.Outcome)
	if errors.Is(err, hook.ErrNotClaimOwner) {
		log.Warn("claim lost before release", "error", err)
		c.recordResult(lctx, rc, res)
		return
	}
	if err != nil {
		rc.fail(fmt.Errorf("release %s: %w", sess.item.ID, err))
		rc.Tracker.Record(res)
		c.recordResult(lctx, rc, res)
		return
	}

	rc.Tracker.Record(res)
	rc.Run.SessionsCompleted++
	c.recordResult(lctx, rc, res)
	c.saveRun(lctx, rc)
	log.Info("session finished", "state", rel.State, "retries", rel.RetryCount)

	forced := ""
	if rel.Terminal {
		rc.markTerminal(rel.ItemID)
		forced = fmt.Sprintf("%s: %s", checkpoint.ReasonRetriesExhausted, rel.ItemID)
		log.Error("item failed", "error", ErrRetriesExhausted)
	}

	if res.Outcome.IsSuccess() && res.CommitRef != "" {
		req := models.MergeRequest{
			WorkerID:      sess.agentID,
			ItemID:        sess.item.ID,
			CommitRef:     res.CommitRef,
			FilesModified: res.FilesModified,
			BranchName:    sess.branch,
			BaseRef:       sess.baseRef,
			BaseAt:        sess.baseAt,
		}
		if _, err := rc.Merges.Submit(lctx, req); err != nil {
			log.Warn("merge request rejected", "error", err)
		}
	}
	if reason := c.advanceMerges(lctx, rc); reason != "" && forced == "" {
		forced = reason
	}

	c.checkRedirects(lctx, rc)
	c.evaluate(lctx, rc, forced)
}

// normalize fills in what the engine left out and folds an engine error
// into a failure outcome.
func (c *Coordinator) normalize(sess *session, comp completion) models.SessionResult {
	now := c.clock.Now()
	res := comp.result
	res.ItemID = sess.item.ID
	res.AgentID = sess.agentID
	if comp.err != nil {
		res.Outcome = models.OutcomeFailure
		if res.Error == "" {
			res.Error = (&SessionError{ItemID: sess.item.ID, Err: comp.err}).Error()
		}
	}
	if !res.Outcome.Valid() {
		res.Error = fmt.Sprintf("unknown outcome %q", res.Outcome)
		res.Outcome = models.OutcomeFailure
	}
	if res.Duration <= 0 {
		res.Duration = now.Sub(sess.started)
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = now
	}
	return res
}

// release settles the claim, retrying ledger failures. A lost claim is not
// retried.
func (c *Coordinator) release(lctx context.Context, rc *RunContext, sess *session, outcome models.Outcome) (hook.ReleaseResult, error) {
	var rel hook.ReleaseResult
	var lost error
	err := c.withRetry(lctx, "release claim", func() error {
		var err error
		rel, err = rc.Hooks.Release(lctx, sess.item.ID, sess.agentID, outcome)
		if errors.Is(err, hook.ErrNotClaimOwner) {
			lost = err
			return nil
		}
		return err
	})
	if lost != nil {
		return rel, lost
	}
	return rel, err
}

func (c *Coordinator) recordResult(lctx context.Context, rc *RunContext, res models.SessionResult) {
	if err := c.withRetry(lctx, "record session result", func() error {
		return c.store.RecordSessionResult(lctx, rc.Run.ID, &res)
	}); err != nil {
		c.logger.Error("persist session result", "item", res.ItemID, "error", err)
	}
}

// advanceMerges lands every pending request it can and returns a checkpoint
// reason when one was rejected.
func (c *Coordinator) advanceMerges(lctx context.Context, rc *RunContext) string {
	outcomes, err := rc.Merges.Drain(lctx)
	if err != nil {
		if Classify(err) == ClassTransient {
			c.logger.Debug("merge deferred", "error", err)
		} else {
			c.logger.Warn("merge queue", "error", err)
		}
	}
	reason := ""
	for _, o := range outcomes {
		if o.Status != models.MergeStatusFailed {
			continue
		}
		itemID := o.Request.ItemID
		rc.markTerminal(itemID)
		if err := c.store.AppendLabel(lctx, itemID, mergeConflictLabel); err != nil {
			c.logger.Warn("label merge conflict", "item", itemID, "error", err)
		}
		why := o.Result.Reason
		if o.Err != nil {
			why = o.Err.Error()
		}
		c.logger.Error("merge rejected", "item", itemID, "conflict", o.Result.ConflictType,
			"error", fmt.Errorf("%w: %s", ErrMergeConflict, why))
		if reason == "" {
			reason = fmt.Sprintf("%s: %s", checkpoint.ReasonMergeConflict, why)
		}
	}
	return reason
}

func (c *Coordinator) checkRedirects(lctx context.Context, rc *RunContext) {
	pending, err := c.store.ListPendingRedirects(lctx)
	if err != nil {
		c.logger.Warn("list redirects", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	for _, r := range pending {
		rc.Tracker.MarkRedirect(r.Note)
		ids = append(ids, r.ID)
	}
	if err := c.store.ConsumeRedirects(lctx, ids, c.clock.Now()); err != nil {
		c.logger.Warn("consume redirects", "error", err)
	}
}

// evaluate applies checkpoint precedence: a confidence pause, then a forced
// terminal reason, then the policy triggers.
func (c *Coordinator) evaluate(lctx context.Context, rc *RunContext, forced string) {
	if rc.paused || rc.fatal != nil {
		return
	}
	state := rc.Tracker.State()
	if checkpoint.ShouldPauseForConfidence(state.Results, c.cfg.Policy.OnConfidenceBelow) {
		rc.paused = true
		rc.Run.Status = models.RunStatusPaused
		c.logger.Warn("pausing run", "run", rc.Run.ID, "confidence", rc.Tracker.Confidence(),
			"error", ErrPaused)
		c.writeCheckpoint(lctx, rc, checkpoint.ReasonLowConfidence)
		return
	}
	if forced != "" {
		c.writeCheckpoint(lctx, rc, forced)
		return
	}
	if d := checkpoint.ShouldCreateCheckpoint(state, c.cfg.Policy); d.Create {
		c.writeCheckpoint(lctx, rc, d.Reason)
	}
}

// heartbeat renews every live claim, then sweeps claims that went stale.
func (c *Coordinator) heartbeat(lctx context.Context, rc *RunContext) {
	for _, sess := range rc.inflight {
		if sess.lost {
			continue
		}
		err := rc.Hooks.Heartbeat(lctx, sess.item.ID, sess.agentID)
		switch {
		case errors.Is(err, hook.ErrNotClaimOwner):
			sess.lost = true
			sess.cancel()
			c.logger.Warn("claim lost, cancelling session", "item", sess.item.ID, "agent", sess.agentID)
		case err != nil:
			c.logger.Warn("heartbeat", "item", sess.item.ID, "error", err)
		}
	}

	swept, err := rc.Hooks.SweepStaleClaims(lctx, c.clock.Now())
	if err != nil {
		c.logger.Warn("sweep stale claims", "error", err)
	}
	forced := ""
	for _, r := range swept {
		if r.Terminal {
			rc.markTerminal(r.ItemID)
			if forced == "" {
				forced = fmt.Sprintf("%s: %s", checkpoint.ReasonRetriesExhausted, r.ItemID)
			}
		}
	}
	if reason := c.advanceMerges(lctx, rc); reason != "" && forced == "" {
		forced = reason
	}
	if forced != "" && !rc.paused && rc.fatal == nil {
		c.writeCheckpoint(lctx, rc, forced)
	}
}
