package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/harness/internal/hook"
	"github.com/joescharf/harness/internal/refinery"
	"github.com/joescharf/harness/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"lost claim", fmt.Errorf("heartbeat: %w", hook.ErrNotClaimOwner), ClassTransient},
		{"slot contention", refinery.ErrSlotHeld, ClassTransient},
		{"cas race", fmt.Errorf("claim: %w", store.ErrStateConflict), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"session", &SessionError{ItemID: "a", Err: errors.New("exit status 1")}, ClassRetryable},
		{"retries exhausted", fmt.Errorf("item a: %w", ErrRetriesExhausted), ClassTerminal},
		{"merge conflict", ErrMergeConflict, ClassTerminal},
		{"pause", fmt.Errorf("confidence 0.4: %w", ErrPaused), ClassPause},
		{"unknown", errors.New("disk full"), ClassTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSessionError_Unwraps(t *testing.T) {
	cause := errors.New("agent crashed")
	err := error(&SessionError{ItemID: "a", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "session for a: agent crashed", err.Error())
}
