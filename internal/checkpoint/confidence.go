// Package checkpoint turns a stream of session outcomes into a confidence
// score and decides when a run must stop and report to a human.
package checkpoint

import "github.com/joescharf/harness/internal/models"

const (
	// failurePenalty is subtracted per failure among the most recent results.
	failurePenalty = 0.1
	penaltyWindow  = 3
)

// MinConfidenceResults is the number of results a confidence score needs
// before it can pause a run or mark it unhealthy.
const MinConfidenceResults = 3


var outcomeScores = map[models.Outcome]float64{
	models.OutcomeSuccess:         1.0,
	models.OutcomeCodeComplete:    0.8,
	models.OutcomePartial:         0.5,
	models.OutcomeContextOverflow: 0.3,
	models.OutcomeFailure:         0.0,
}

// OutcomeScore returns the confidence contribution of a single outcome.
// Unknown outcomes score as failures.
func OutcomeScore(o models.Outcome) float64 {
	return outcomeScores[o]
}

// CalculateConfidence returns the recency-weighted mean outcome score of
// results (oldest first), less a penalty for recent failures, in [0, 1].
// An empty history is fully confident.
func CalculateConfidence(results []models.SessionResult) float64 {
	n := len(results)
	if n == 0 {
		return 1.0
	}

	var weighted, total float64
	for i, r := range results {
		w := 1 + float64(i)/float64(n)
		weighted += w * OutcomeScore(r.Outcome)
		total += w
	}
	confidence := weighted / total

	recentFailures := 0
	for _, r := range results[max(0, n-penaltyWindow):] {
		if r.Outcome == models.OutcomeFailure {
			recentFailures++
		}
	}
	confidence -= failurePenalty * float64(recentFailures)

	return min(1, max(0, confidence))
}

// ShouldPauseForConfidence reports whether confidence over results has
// dropped below threshold. At least three results are required.
func ShouldPauseForConfidence(results []models.SessionResult, threshold float64) bool {
	if len(results) < MinConfidenceResults {
		return false
	}
	return CalculateConfidence(results) < threshold
}
