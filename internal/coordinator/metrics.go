package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/harness/internal/checkpoint"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

// Health is a coarse verdict over a run.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Metrics is a point-in-time snapshot of a run.
type Metrics struct {
	RunID             string           `json:"run_id"`
	Status            models.RunStatus `json:"status"`
	ActiveWorkers     int              `json:"active_workers"`
	MaxWorkers        int              `json:"max_workers"`
	QueueDepth        int              `json:"queue_depth"`
	MergeQueueDepth   int              `json:"merge_queue_depth"`
	SessionsCompleted int              `json:"sessions_completed"`
	FailedItems       int              `json:"failed_items"`
	Confidence        float64          `json:"confidence"`
	Health            Health           `json:"health"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ComputeHealth derives a Health verdict. A failed run is unhealthy, and so
// is confidence below threshold once it rests on at least
// checkpoint.MinConfidenceResults results. A paused run or any failed item
// is degraded.
func ComputeHealth(status models.RunStatus, confidence, threshold float64, results, failed int) Health {
	lowConfidence := results >= checkpoint.MinConfidenceResults && confidence < threshold
	switch {
	case status == models.RunStatusFailed, lowConfidence:
		return HealthUnhealthy
	case status == models.RunStatusPaused, failed > 0:
		return HealthDegraded
	}
	return HealthHealthy
}

// LedgerMetrics builds a Metrics snapshot of the latest run from the ledger
// alone, for processes that do not own the run.
func LedgerMetrics(ctx context.Context, s store.Store, threshold float64, maxWorkers int) (Metrics, error) {
	m := Metrics{MaxWorkers: maxWorkers, Confidence: 1.0}
	results := 0

	run, err := s.LatestRun(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return m, fmt.Errorf("load latest run: %w", err)
	default:
		m.RunID = run.ID
		m.Status = run.Status
		m.SessionsCompleted = run.SessionsCompleted
		m.UpdatedAt = run.UpdatedAt
		cp, window, err := latestCheckpoint(ctx, s, run.ID)
		if err != nil {
			return m, err
		}
		if cp != nil {
			m.Confidence = cp.Confidence
			results = window
		}
	}

	counts, err := s.CountItemsByState(ctx)
	if err != nil {
		return m, fmt.Errorf("count items: %w", err)
	}
	m.QueueDepth = counts[models.HookStateReady]
	m.ActiveWorkers = counts[models.HookStateInProgress]
	m.FailedItems = counts[models.HookStateFailed]

	records, err := s.ListMergeRecords(ctx, m.RunID, 0)
	if err != nil {
		return m, fmt.Errorf("list merge records: %w", err)
	}
	for _, r := range records {
		if r.Status == models.MergeStatusPending || r.Status == models.MergeStatusMerging {
			m.MergeQueueDepth++
		}
	}

	m.Health = ComputeHealth(m.Status, m.Confidence, threshold, results, m.FailedItems)
	return m, nil
}

// latestCheckpoint returns the run's latest checkpoint and the number of
// sessions its confidence was computed over. It returns a nil checkpoint
// when the run has none.
func latestCheckpoint(ctx context.Context, s store.Store, runID string) (*models.Checkpoint, int, error) {
	cps, err := s.ListCheckpoints(ctx, runID, 2)
	if err != nil {
		return nil, 0, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if len(cps) == 0 {
		return nil, 0, nil
	}
	window := cps[0].SessionNumber
	if len(cps) > 1 {
		window -= cps[1].SessionNumber
	}
	return cps[0], window, nil
}
