package checkpoint

import (
	"time"

	"github.com/joescharf/harness/internal/models"
)

// Tracker accumulates session results since the last checkpoint. It is owned
// by the coordinator loop and is not safe for concurrent use.
type Tracker struct {
	results        []models.SessionResult
	lastCheckpoint time.Time
	// lastFinish is the latest finish time recorded in the window.
	lastFinish     time.Time
	redirect       bool
	redirectNotes  []string
	sessions       int
}

// NewTracker returns an empty tracker whose window starts at start.
// sessionOffset is the number of sessions already completed by earlier
// processes of the same run.
func NewTracker(start time.Time, sessionOffset int) *Tracker {
	return &Tracker{lastCheckpoint: start, sessions: sessionOffset}
}

// Record appends a session result. A result without a finish time is taken
// to end Duration after the latest one recorded.
func (t *Tracker) Record(r models.SessionResult) {
	t.results = append(t.results, r)
	end := r.FinishedAt
	if end.IsZero() {
		end = t.latest().Add(r.Duration)
	}
	if end.After(t.lastFinish) {
		t.lastFinish = end
	}
	t.sessions++
}

func (t *Tracker) latest() time.Time {
	if t.lastFinish.After(t.lastCheckpoint) {
		return t.lastFinish
	}
	return t.lastCheckpoint
}

// MarkRedirect records that a human redirect arrived since the last checkpoint.
func (t *Tracker) MarkRedirect(note string) {
	t.redirect = true
	if note != "" {
		t.redirectNotes = append(t.redirectNotes, note)
	}
}

// Reset empties the tracker and starts a new window at at.
func (t *Tracker) Reset(at time.Time) {
	t.results = nil
	t.lastFinish = time.Time{}
	t.redirect = false
	t.redirectNotes = nil
	t.lastCheckpoint = at
}

// State returns an immutable snapshot of the tracker.
func (t *Tracker) State() State {
	results := make([]models.SessionResult, len(t.results))
	copy(results, t.results)
	notes := make([]string, len(t.redirectNotes))
	copy(notes, t.redirectNotes)
	return State{
		Results:          results,
		Elapsed:          t.latest().Sub(t.lastCheckpoint),
		LastCheckpoint:   t.lastCheckpoint,
		RedirectDetected: t.redirect,
		RedirectNotes:    notes,
		SessionNumber:    t.sessions,
	}
}

// Results returns the results recorded since the last checkpoint.
func (t *Tracker) Results() []models.SessionResult { return t.State().Results }

// Confidence returns the confidence over the current window.
func (t *Tracker) Confidence() float64 { return CalculateConfidence(t.results) }

// SessionNumber returns the total number of sessions recorded in the run.
func (t *Tracker) SessionNumber() int { return t.sessions }

// LastCheckpoint returns the start of the current window.
func (t *Tracker) LastCheckpoint() time.Time { return t.lastCheckpoint }

// State is a snapshot of tracker contents used for policy evaluation.
// Elapsed is wall time from LastCheckpoint to the latest session finish, so
// concurrent sessions count once.
type State struct {
	Results          []models.SessionResult
	Elapsed          time.Duration
	LastCheckpoint   time.Time
	RedirectDetected bool
	RedirectNotes    []string
	SessionNumber    int
}
