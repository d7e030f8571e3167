package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/joescharf/harness/internal/checkpoint"
	"github.com/joescharf/harness/internal/hook"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/refinery"
)

// RunContext is the state of one run. It is owned by the loop goroutine and
// never shared with sessions.
type RunContext struct {
	Run     *models.Run
	Hooks   *hook.Queue
	Tracker *checkpoint.Tracker
	Merges  *refinery.Queue
	// Notes are redirect notes handed to every new session.
	Notes          string
	LastCheckpoint *models.Checkpoint
	// lastWindow is the number of results behind LastCheckpoint.Confidence.
	lastWindow int

	inflight map[string]*session
	slots    []bool
	terminal []string

	paused      bool
	interrupted bool
	fatal       error
}

type session struct {
	item    models.WorkItem
	agentID string
	slot    int
	branch  string
	baseRef string
	// dir is the session's own checkout, empty for the shared one.
	dir     string
	baseAt  time.Time
	started time.Time
	cancel  context.CancelFunc
	// lost is set once the claim was taken away from this session.
	lost bool
}

type completion struct {
	sess   *session
	result models.SessionResult
	err    error
}

func newRunContext(run *models.Run, maxWorkers int) *RunContext {
	return &RunContext{
		Run:      run,
		inflight: make(map[string]*session),
		slots:    make([]bool, maxWorkers),
	}
}

// workerID names the agent for a worker slot. Agents of a run share the
// run ID as prefix so a later process can recover their claims.
func workerID(runID string, slot int) string {
	return fmt.Sprintf("%s/worker-%d", runID, slot+1)
}

func agentPrefix(runID string) string { return runID + "/" }

func branchName(itemID string) string { return "harness/" + itemID }

func (rc *RunContext) dispatching() bool {
	return !rc.paused && !rc.interrupted && rc.fatal == nil
}

func (rc *RunContext) freeSlot() int {
	for i, busy := range rc.slots {
		if !busy {
			return i
		}
	}
	return -1
}

func (rc *RunContext) inFlightIDs() []string {
	ids := make([]string, 0, len(rc.inflight))
	for id := range rc.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (rc *RunContext) markTerminal(itemID string) {
	for _, id := range rc.terminal {
		if id == itemID {
			return
		}
	}
	rc.terminal = append(rc.terminal, itemID)
}

// fail records the first fatal error and cancels every session.
func (rc *RunContext) fail(err error) {
	if rc.fatal != nil {
		return
	}
	rc.fatal = err
	rc.cancelAll()
}

func (rc *RunContext) cancelAll() {
	for _, s := range rc.inflight {
		s.cancel()
	}
}
