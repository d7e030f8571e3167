package checkpoint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/harness/internal/models"
)

func results(outcomes ...models.Outcome) []models.SessionResult {
	out := make([]models.SessionResult, len(outcomes))
	for i, o := range outcomes {
		out[i] = models.SessionResult{ItemID: string(rune('a' + i)), Outcome: o}
	}
	return out
}

const (
	S  = models.OutcomeSuccess
	CC = models.OutcomeCodeComplete
	F  = models.OutcomeFailure
	P  = models.OutcomePartial
	CO = models.OutcomeContextOverflow
)

func TestCalculateConfidence(t *testing.T) {
	tests := []struct {
		name     string
		results  []models.SessionResult
		expected float64
	}{
		{"empty is optimistic", nil, 1.0},
		{"all success", results(S, S, S), 1.0},
		{"single partial", results(P), 0.5},
		{"single failure clamps to zero", results(F), 0.0},
		// weights 1, 1.2, 1.4, 1.6, 1.8: 6 / 7
		{"early failure buried", results(F, S, S, S, S), 0.8571428571428571},
		// weights 1, 4/3, 5/3: (1 + 4/3) / 4 - 0.1
		{"two successes then failure", results(S, S, F), 0.4833333333333334},
		{"code complete", results(CC, CC), 0.8},
		{"context overflow", results(CO), 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CalculateConfidence(tt.results), 1e-9)
		})
	}
}

func TestCalculateConfidence_RecentFailuresWeighMore(t *testing.T) {
	early := CalculateConfidence(results(F, S, S, S, S, S))
	late := CalculateConfidence(results(S, S, S, S, S, F))
	assert.Greater(t, early, late)
}

func TestCalculateConfidence_AppendedFailureNeverIncreases(t *testing.T) {
	outcomes := []models.Outcome{S, CC, F, P, CO}
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 2000; trial++ {
		n := 1 + rng.Intn(12)
		seq := make([]models.Outcome, n)
		for i := range seq {
			seq[i] = outcomes[rng.Intn(len(outcomes))]
		}
		before := CalculateConfidence(results(seq...))
		after := CalculateConfidence(results(append(seq, F)...))
		assert.LessOrEqual(t, after, before+1e-12, "sequence %v", seq)
	}
}

func TestShouldPauseForConfidence(t *testing.T) {
	assert.False(t, ShouldPauseForConfidence(results(F, F), 0.7), "needs three results")
	assert.True(t, ShouldPauseForConfidence(results(S, S, F), 0.7))
	assert.False(t, ShouldPauseForConfidence(results(S, S, S), 0.7))
	assert.False(t, ShouldPauseForConfidence(results(S, S, S), 1.0), "strictly below threshold")
}

func TestOutcomeScore_Unknown(t *testing.T) {
	assert.Equal(t, 0.0, OutcomeScore(models.Outcome("bogus")))
}
