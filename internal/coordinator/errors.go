package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/joescharf/harness/internal/hook"
	"github.com/joescharf/harness/internal/refinery"
	"github.com/joescharf/harness/internal/store"
)

// ErrorClass buckets an error by how the loop reacts to it.
type ErrorClass string

const (
	// ClassTransient errors recover on their own: lost claims, slot
	// contention, lost CAS races.
	ClassTransient ErrorClass = "transient"
	// ClassRetryable errors fail one session; the item is retried while its
	// budget lasts.
	ClassRetryable ErrorClass = "retryable"
	// ClassTerminal errors need a human.
	ClassTerminal ErrorClass = "terminal"
	// ClassPause is a deliberate stop requested by policy.
	ClassPause ErrorClass = "pause"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrMergeConflict    = errors.New("merge conflict")
	ErrPaused           = errors.New("run paused")
)

// SessionError wraps an error returned by the execution engine.
type SessionError struct {
	ItemID string
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session for %s: %v", e.ItemID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Classify maps err to its bucket. Unknown errors are terminal. A nil error
// has no class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var se *SessionError
	switch {
	case errors.Is(err, ErrPaused):
		return ClassPause
	case errors.Is(err, ErrRetriesExhausted), errors.Is(err, ErrMergeConflict):
		return ClassTerminal
	case errors.As(err, &se):
		return ClassRetryable
	case errors.Is(err, hook.ErrNotClaimOwner),
		errors.Is(err, refinery.ErrSlotHeld),
		errors.Is(err, store.ErrStateConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	}
	return ClassTerminal
}
