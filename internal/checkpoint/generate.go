package checkpoint

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/joescharf/harness/internal/models"
)

// Input carries everything needed to build a checkpoint record.
type Input struct {
	RunID  string
	Reason string
	State  State
	// InFlight lists items claimed by sessions that have not finished.
	InFlight []string
	// Terminal lists items that failed for good in this window, such as
	// exhausted retries or rejected merges.
	Terminal  []string
	CommitRef string
	CreatedAt time.Time
}

// Generate builds a checkpoint from the tracker window. Each item is
// categorized by its latest status: in-flight sessions count as in
// progress and terminal failures count as failed regardless of earlier
// results.
func Generate(in Input) models.Checkpoint {
	const (
		completed = iota
		inProgress
		failed
	)

	var order []string
	category := map[string]int{}
	set := func(id string, c int) {
		if _, seen := category[id]; !seen {
			order = append(order, id)
		}
		category[id] = c
	}

	for _, r := range in.State.Results {
		switch {
		case r.Outcome.IsSuccess():
			set(r.ItemID, completed)
		case r.Outcome == models.OutcomeFailure:
			set(r.ItemID, failed)
		default:
			set(r.ItemID, inProgress)
		}
	}
	for _, id := range in.InFlight {
		set(id, inProgress)
	}
	for _, id := range in.Terminal {
		set(id, failed)
	}

	cp := models.Checkpoint{
		RunID:           in.RunID,
		SessionNumber:   in.State.SessionNumber,
		Reason:          in.Reason,
		ItemsCompleted:  []string{},
		ItemsInProgress: []string{},
		ItemsFailed:     []string{},
		CommitRef:       in.CommitRef,
		Confidence:      CalculateConfidence(in.State.Results),
		RedirectNotes:   strings.Join(in.State.RedirectNotes, "\n"),
		CreatedAt:       in.CreatedAt,
	}
	for _, id := range order {
		switch category[id] {
		case completed:
			cp.ItemsCompleted = append(cp.ItemsCompleted, id)
		case inProgress:
			cp.ItemsInProgress = append(cp.ItemsInProgress, id)
		case failed:
			cp.ItemsFailed = append(cp.ItemsFailed, id)
		}
	}
	cp.Summary = Summarize(cp)
	return cp
}

// Summarize renders the one-line human summary of a checkpoint.
func Summarize(cp models.Checkpoint) string {
	return fmt.Sprintf("Completed: %d, In progress: %d, Failed: %d. Confidence: %d%%",
		len(cp.ItemsCompleted), len(cp.ItemsInProgress), len(cp.ItemsFailed),
		int(math.Round(cp.Confidence*100)))
}
