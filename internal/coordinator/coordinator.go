// Package coordinator runs the session loop: it claims work from the hook
// queue, dispatches sessions to an execution engine, feeds results to the
// checkpoint tracker and serializes landings through the merge queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/harness/internal/checkpoint"
	"github.com/joescharf/harness/internal/clock"
	"github.com/joescharf/harness/internal/hook"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/refinery"
	"github.com/joescharf/harness/internal/store"
)

// Engine executes one session for one work item. RunSession must return
// when ctx is cancelled.
type Engine interface {
	RunSession(ctx context.Context, item models.WorkItem, sc models.SessionContext) (models.SessionResult, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, item models.WorkItem, sc models.SessionContext) (models.SessionResult, error)

func (f EngineFunc) RunSession(ctx context.Context, item models.WorkItem, sc models.SessionContext) (models.SessionResult, error) {
	return f(ctx, item, sc)
}

// VCS is the slice of version control the loop needs.
type VCS interface {
	// BaseCommit returns the tip of the shared branch.
	BaseCommit(ctx context.Context) (string, error)
	// CreateBranch points name at the shared branch tip and returns it.
	CreateBranch(ctx context.Context, name string) (string, error)
	Checkout(ctx context.Context, name string) error
}

// Workspaces gives each worker slot its own checkout. Running more than one
// worker against a VCS requires it.
type Workspaces interface {
	Workspace(ctx context.Context, slot int, branch string) (string, error)
}

// Summarizer adds a narrative to a checkpoint. Its output is appended to the
// generated summary.
type Summarizer interface {
	Summarize(ctx context.Context, cp models.Checkpoint, results []models.SessionResult) (string, error)
}

// Locker guards a run against a second coordinator on the same ledger.
type Locker interface {
	Lock() (unlock func() error, err error)
}

// LockerFunc adapts a function to Locker.
type LockerFunc func() (func() error, error)

func (f LockerFunc) Lock() (func() error, error) { return f() }

// Deps are the collaborators of a Coordinator. Store and Engine are required.
type Deps struct {
	Store      store.Store
	Engine     Engine
	VCS        VCS
	Merger     refinery.Merger
	Summarizer Summarizer
	Locker     Locker
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Summary is what Run and Resume report when they return.
type Summary struct {
	RunID             string
	Status            models.RunStatus
	Reason            string
	SessionsCompleted int
	Counts            map[models.HookState]int
	Checkpoint        *models.Checkpoint
}

// Coordinator drives runs. A Coordinator runs one run at a time.
type Coordinator struct {
	cfg        Config
	store      store.Store
	engine     Engine
	vcs        VCS
	merger     refinery.Merger
	summarizer Summarizer
	locker     Locker
	clock      clock.Clock
	logger     *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

const ledgerBackoff = 50 * time.Millisecond

// New validates cfg and returns a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("coordinator: engine is required")
	}
	if _, ok := deps.VCS.(Workspaces); deps.VCS != nil && cfg.MaxWorkers > 1 && !ok {
		return nil, fmt.Errorf("coordinator: %d workers need a VCS with per-worker workspaces", cfg.MaxWorkers)
	}
	c := &Coordinator{
		cfg:        cfg,
		store:      deps.Store,
		engine:     deps.Engine,
		vcs:        deps.VCS,
		merger:     deps.Merger,
		summarizer: deps.Summarizer,
		locker:     deps.Locker,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.merger == nil {
		c.merger = refinery.NopMerger{}
	}
	c.metrics = Metrics{MaxWorkers: cfg.MaxWorkers, Confidence: 1.0, Health: HealthHealthy}
	return c, nil
}

// Run starts a new run and drives it until it completes, fails, pauses or
// ctx is cancelled. Cancellation pauses the run so it can be resumed.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	unlock, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer c.unlock(unlock)

	run := &models.Run{Status: models.RunStatusInitializing, StartedAt: c.clock.Now()}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	rc := c.newRunContext(run)
	c.logger.Info("run started", "run", run.ID, "workers", c.cfg.MaxWorkers)
	return c.execute(ctx, rc)
}

// Resume continues a paused or interrupted run. An empty runID resumes the
// latest run. Claims still held by agents of the previous process are
// released, and merge requests it left pending are queued again.
func (c *Coordinator) Resume(ctx context.Context, runID string) (*Summary, error) {
	unlock, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer c.unlock(unlock)

	var run *models.Run
	if runID == "" {
		run, err = c.store.LatestRun(ctx)
	} else {
		run, err = c.store.GetRun(ctx, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s and cannot be resumed", run.ID, run.Status)
	}

	rc := c.newRunContext(run)

	cp, window, err := latestCheckpoint(ctx, c.store, run.ID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		rc.LastCheckpoint = cp
		rc.lastWindow = window
		rc.Notes = cp.RedirectNotes
	}

	recovered, err := rc.Hooks.Recover(ctx, agentPrefix(run.ID))
	if err != nil {
		return nil, fmt.Errorf("recover claims: %w", err)
	}
	for _, r := range recovered {
		if r.Terminal {
			rc.markTerminal(r.ItemID)
		}
	}

	if err := c.requeueMerges(ctx, rc); err != nil {
		return nil, err
	}

	c.logger.Info("run resumed", "run", run.ID, "sessions", run.SessionsCompleted, "recovered", len(recovered))
	return c.execute(ctx, rc)
}

// Metrics returns the latest snapshot of the current or last run.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Coordinator) newRunContext(run *models.Run) *RunContext {
	rc := newRunContext(run, c.cfg.MaxWorkers)
	rc.Hooks = hook.New(c.store, hook.Config{
		ClaimTimeout: c.cfg.ClaimTimeout,
		MaxRetries:   c.cfg.MaxRetries,
		Label:        c.cfg.Label,
		Clock:        c.clock,
		Logger:       c.logger,
	})
	rc.Tracker = checkpoint.NewTracker(c.clock.Now(), run.SessionsCompleted)
	rc.Merges = refinery.New(refinery.Config{
		Policy: c.cfg.Merge,
		Holder: run.ID,
		RunID:  run.ID,
		Slot:   refinery.NewLedgerSlot(c.store, c.clock, c.cfg.SlotTTL),
		Merger: c.merger,
		Store:  c.store,
		Clock:  c.clock,
		Logger: c.logger,
	})
	return rc
}

func (c *Coordinator) requeueMerges(ctx context.Context, rc *RunContext) error {
	records, err := c.store.ListMergeRecords(ctx, rc.Run.ID, 0)
	if err != nil {
		return fmt.Errorf("load merge records: %w", err)
	}
	for _, rec := range records {
		if rec.Status != models.MergeStatusPending && rec.Status != models.MergeStatusMerging {
			continue
		}
		req := models.MergeRequest{
			ID:            rec.ID,
			WorkerID:      rec.WorkerID,
			ItemID:        rec.ItemID,
			CommitRef:     rec.CommitRef,
			FilesModified: rec.Files,
			BranchName:    rec.BranchName,
			BaseAt:        rec.CreatedAt,
			RequestedAt:   rec.CreatedAt,
		}
		if _, err := rc.Merges.Submit(ctx, req); err != nil {
			c.logger.Warn("dropping unreadable merge record", "merge", rec.ID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) lock() (func() error, error) {
	if c.locker == nil {
		return nil, nil
	}
	unlock, err := c.locker.Lock()
	if err != nil {
		return nil, fmt.Errorf("acquire coordinator lock: %w", err)
	}
	return unlock, nil
}

func (c *Coordinator) unlock(unlock func() error) {
	if unlock == nil {
		return
	}
	if err := unlock(); err != nil {
		c.logger.Warn("release coordinator lock", "error", err)
	}
}

// execute drives rc to its end and persists the outcome. A panic marks the
// run failed before it propagates.
func (c *Coordinator) execute(ctx context.Context, rc *RunContext) (*Summary, error) {
	lctx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			now := c.clock.Now()
			rc.Run.Status = models.RunStatusFailed
			rc.Run.Error = fmt.Sprintf("panic: %v", r)
			rc.Run.EndedAt = &now
			_ = c.store.UpdateRun(lctx, rc.Run)
			rc.cancelAll()
			panic(r)
		}
	}()

	rc.Run.Status = models.RunStatusRunning
	rc.Run.EndedAt = nil
	rc.Run.Error = ""
	c.saveRun(lctx, rc)
	c.updateMetrics(lctx, rc)

	status, reason := c.loop(ctx, lctx, rc)
	return c.finish(lctx, rc, status, reason)
}

func (c *Coordinator) finish(lctx context.Context, rc *RunContext, status models.RunStatus, reason string) (*Summary, error) {
	switch status {
	case models.RunStatusCompleted:
		if rc.LastCheckpoint == nil || len(rc.Tracker.Results()) > 0 || len(rc.terminal) > 0 {
			c.writeCheckpoint(lctx, rc, checkpoint.ReasonRunComplete)
		}
		if rc.fatal != nil {
			status, reason = models.RunStatusFailed, rc.fatal.Error()
		}
	case models.RunStatusFailed:
		c.writeCheckpoint(lctx, rc, fmt.Sprintf("%s: %v", checkpoint.ReasonRunFailed, rc.fatal))
	case models.RunStatusPaused:
		if rc.interrupted {
			c.writeCheckpoint(lctx, rc, checkpoint.ReasonInterrupted)
		} else if len(rc.Tracker.Results()) > 0 {
			// Sessions that finished after the pause checkpoint.
			c.writeCheckpoint(lctx, rc, reason)
		}
	}

	now := c.clock.Now()
	rc.Run.Status = status
	if status.IsTerminal() {
		rc.Run.EndedAt = &now
	}
	if rc.fatal != nil {
		rc.Run.Error = rc.fatal.Error()
	}
	c.saveRun(lctx, rc)
	c.updateMetrics(lctx, rc)

	counts, err := c.store.CountItemsByState(lctx)
	if err != nil {
		c.logger.Warn("count items", "error", err)
	}
	sum := &Summary{
		RunID:             rc.Run.ID,
		Status:            status,
		Reason:            reason,
		SessionsCompleted: rc.Run.SessionsCompleted,
		Counts:            counts,
		Checkpoint:        rc.LastCheckpoint,
	}
	c.logger.Info("run finished", "run", rc.Run.ID, "status", status, "reason", reason,
		"sessions", rc.Run.SessionsCompleted)
	if rc.fatal != nil {
		return sum, fmt.Errorf("run %s failed: %w", rc.Run.ID, rc.fatal)
	}
	return sum, nil
}

// writeCheckpoint persists a checkpoint of the current window and starts a
// new one. A checkpoint that cannot be written fails the run.
func (c *Coordinator) writeCheckpoint(lctx context.Context, rc *RunContext, reason string) {
	now := c.clock.Now()
	state := rc.Tracker.State()
	cp := checkpoint.Generate(checkpoint.Input{
		RunID:     rc.Run.ID,
		Reason:    reason,
		State:     state,
		InFlight:  rc.inFlightIDs(),
		Terminal:  rc.terminal,
		CommitRef: c.checkpointCommit(lctx, state),
		CreatedAt: now,
	})
	if c.summarizer != nil {
		text, err := c.summarizer.Summarize(lctx, cp, state.Results)
		if err != nil {
			c.logger.Warn("summarize checkpoint", "error", err)
		} else if text != "" {
			cp.Summary += "\n\n" + text
		}
	}

	if err := c.withRetry(lctx, "create checkpoint", func() error {
		return c.store.CreateCheckpoint(lctx, &cp)
	}); err != nil {
		rc.fail(err)
		return
	}

	rc.LastCheckpoint = &cp
	rc.lastWindow = len(state.Results)
	rc.Run.LastCheckpointID = cp.ID
	c.saveRun(lctx, rc)
	if cp.RedirectNotes != "" {
		rc.Notes = cp.RedirectNotes
	}
	rc.Tracker.Reset(now)
	rc.terminal = nil
	rc.Merges.ResetWindow(now)
	c.logger.Info("checkpoint created", "run", rc.Run.ID, "checkpoint", cp.ID, "reason", reason,
		"session", cp.SessionNumber, "confidence", cp.Confidence)
}

func (c *Coordinator) checkpointCommit(ctx context.Context, state checkpoint.State) string {
	if c.vcs != nil {
		ref, err := c.vcs.BaseCommit(ctx)
		if err == nil {
			return ref
		}
		c.logger.Warn("read base commit", "error", err)
	}
	for i := len(state.Results) - 1; i >= 0; i-- {
		if state.Results[i].CommitRef != "" {
			return state.Results[i].CommitRef
		}
	}
	return ""
}

func (c *Coordinator) saveRun(lctx context.Context, rc *RunContext) {
	if err := c.withRetry(lctx, "update run", func() error {
		return c.store.UpdateRun(lctx, rc.Run)
	}); err != nil {
		c.logger.Error("persist run", "run", rc.Run.ID, "error", err)
	}
}

// withRetry runs fn up to LedgerAttempts times with a linear backoff.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.LedgerAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		c.logger.Warn("ledger write failed", "op", op, "attempt", attempt, "error", err)
		if attempt < c.cfg.LedgerAttempts {
			<-c.clock.After(time.Duration(attempt) * ledgerBackoff)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Coordinator) updateMetrics(lctx context.Context, rc *RunContext) {
	depth, err := rc.Hooks.Depth(lctx)
	if err != nil {
		c.logger.Debug("read queue depth", "error", err)
	}
	failed := len(rc.terminal)
	if counts, err := c.store.CountItemsByState(lctx); err == nil {
		failed = counts[models.HookStateFailed]
	}
	confidence := rc.Tracker.Confidence()
	results := len(rc.Tracker.Results())
	if results == 0 && rc.LastCheckpoint != nil {
		confidence = rc.LastCheckpoint.Confidence
		results = rc.lastWindow
	}

	m := Metrics{
		RunID:             rc.Run.ID,
		Status:            rc.Run.Status,
		ActiveWorkers:     len(rc.inflight),
		MaxWorkers:        c.cfg.MaxWorkers,
		QueueDepth:        depth,
		MergeQueueDepth:   rc.Merges.Len(),
		SessionsCompleted: rc.Run.SessionsCompleted,
		FailedItems:       failed,
		Confidence:        confidence,
		UpdatedAt:         c.clock.Now(),
	}
	m.Health = ComputeHealth(m.Status, m.Confidence, c.cfg.Policy.OnConfidenceBelow, results, m.FailedItems)
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}
