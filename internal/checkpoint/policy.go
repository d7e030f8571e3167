package checkpoint

import (
	"fmt"

	"github.com/joescharf/harness/internal/models"
)

const (
	ReasonTaskFailure      = "task failure"
	ReasonHumanRedirect    = "human redirect"
	ReasonLowConfidence    = "confidence below threshold"
	ReasonRetriesExhausted = "retries exhausted"
	ReasonMergeConflict    = "merge conflict"
	ReasonRunComplete      = "run complete"
	ReasonRunFailed        = "run failed"
	ReasonInterrupted      = "interrupted"
)

// Decision is the outcome of a checkpoint policy evaluation.
type Decision struct {
	Create bool
	Reason string
}

// ShouldCreateCheckpoint evaluates policy against state. Triggers are checked
// in order and the first match wins: failure of the latest session, a human
// redirect, the session count, then elapsed time. A non-positive
// AfterSessions or AfterHours disables that trigger.
func ShouldCreateCheckpoint(state State, policy models.CheckpointPolicy) Decision {
	n := len(state.Results)

	if policy.OnError && n > 0 && state.Results[n-1].Outcome == models.OutcomeFailure {
		return Decision{Create: true, Reason: ReasonTaskFailure}
	}
	if policy.OnRedirect && state.RedirectDetected {
		return Decision{Create: true, Reason: ReasonHumanRedirect}
	}
	if policy.AfterSessions > 0 && n >= policy.AfterSessions {
		return Decision{Create: true, Reason: fmt.Sprintf("%d sessions completed", n)}
	}
	if hours := state.Elapsed.Hours(); policy.AfterHours > 0 && hours >= policy.AfterHours {
		return Decision{Create: true, Reason: fmt.Sprintf("%.1f hours elapsed", hours)}
	}
	return Decision{}
}
