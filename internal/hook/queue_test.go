package hook

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/harness/internal/clock"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, maxRetries int) (*Queue, *store.SQLiteStore, *clock.FakeClock) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	clk := clock.Fake(t0)
	q := New(s, Config{ClaimTimeout: 10 * time.Minute, MaxRetries: maxRetries, Clock: clk})
	return q, s, clk
}

func addItem(t *testing.T, s store.Store, id string, p models.Priority, age time.Duration) {
	t.Helper()
	require.NoError(t, s.CreateItem(context.Background(), &models.WorkItem{
		ID: id, Title: id, Priority: p, CreatedAt: t0.Add(-age),
	}))
}

func TestClaim_PriorityThenOldest(t *testing.T) {
	q, s, _ := newTestQueue(t, 2)
	ctx := context.Background()
	addItem(t, s, "low", models.PriorityLow, 3*time.Hour)
	addItem(t, s, "high-young", models.PriorityHigh, time.Minute)
	addItem(t, s, "high-old", models.PriorityHigh, time.Hour)

	var got []string
	for i := 0; i < 3; i++ {
		res, err := q.Claim(ctx, "agent")
		require.NoError(t, err)
		require.True(t, res.Success)
		got = append(got, res.Item.ID)
		assert.Equal(t, models.HookStateInProgress, res.Item.State)
	}
	assert.Equal(t, []string{"high-old", "high-young", "low"}, got)

	res, err := q.Claim(ctx, "agent")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no work available", res.Reason)
}

func TestClaim_AtMostOneConcurrentClaim(t *testing.T) {
	q, s, _ := newTestQueue(t, 2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		addItem(t, s, fmt.Sprintf("item-%d", i), models.PriorityMedium, time.Duration(i)*time.Minute)
	}

	const agents = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := map[string][]string{}
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", i)
			res, err := q.Claim(ctx, agent)
			if !assert.NoError(t, err) || !res.Success {
				return
			}
			mu.Lock()
			claimed[res.Item.ID] = append(claimed[res.Item.ID], agent)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, 3)
	for id, holders := range claimed {
		assert.Len(t, holders, 1, "item %s claimed by %v", id, holders)
		c, err := s.GetClaim(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, holders[0], c.AgentID)
	}
}

func TestHeartbeat_Ownership(t *testing.T) {
	q, s, clk := newTestQueue(t, 2)
	ctx := context.Background()
	addItem(t, s, "a", models.PriorityMedium, 0)

	res, err := q.Claim(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	clk.Advance(time.Minute)
	require.NoError(t, q.Heartbeat(ctx, "a", "agent-1"))
	c, err := s.GetClaim(ctx, "a")
	require.NoError(t, err)
	assert.True(t, c.LastHeartbeat.Equal(t0.Add(time.Minute)))

	err = q.Heartbeat(ctx, "a", "agent-2")
	assert.ErrorIs(t, err, ErrNotClaimOwner)
}

func TestRelease_SuccessCloses(t *testing.T) {
	q, s, _ := newTestQueue(t, 2)
	ctx := context.Background()
	addItem(t, s, "a", models.PriorityMedium, 0)

	_, err := q.Claim(ctx, "agent-1")
	require.NoError(t, err)

	res, err := q.Release(ctx, "a", "agent-1", models.OutcomeCodeComplete)
	require.NoError(t, err)
	assert.Equal(t, models.HookStateClosed, res.State)
	assert.False(t, res.Terminal)

	item, err := s.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, item.ClosedAt)
	_, err = s.GetClaim(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = q.Release(ctx, "a", "agent-1", models.OutcomeSuccess)
	assert.ErrorIs(t, err, ErrNotClaimOwner, "double release")
}

func TestRelease_RetryExhaustion(t *testing.T) {
	const maxRetries = 2
	q, s, _ := newTestQueue(t, maxRetries)
	ctx := context.Background()
	addItem(t, s, "flaky", models.PriorityMedium, 0)

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		claim, err := q.Claim(ctx, "agent")
		require.NoError(t, err)
		require.True(t, claim.Success, "attempt %d", attempt)

		res, err := q.Release(ctx, "flaky", "agent", models.OutcomeFailure)
		require.NoError(t, err)
		if attempt <= maxRetries {
			assert.Equal(t, models.HookStateReady, res.State)
			assert.Equal(t, attempt, res.RetryCount)
		} else {
			assert.Equal(t, models.HookStateFailed, res.State)
			assert.True(t, res.Terminal)
		}
	}

	res, err := q.Claim(ctx, "agent")
	require.NoError(t, err)
	assert.False(t, res.Success, "failed items are never claimed again")
}

func TestRelease_PartialConsumesRetry(t *testing.T) {
	q, s, _ := newTestQueue(t, 2)
	ctx := context.Background()
	addItem(t, s, "a", models.PriorityMedium, 0)

	_, err := q.Claim(ctx, "agent")
	require.NoError(t, err)
	res, err := q.Release(ctx, "a", "agent", models.OutcomeContextOverflow)
	require.NoError(t, err)
	assert.Equal(t, models.HookStateReady, res.State)
	assert.Equal(t, 1, res.RetryCount)
}

func TestSweepStaleClaims_Recovery(t *testing.T) {
	q, s, clk := newTestQueue(t, 2)
	ctx := context.Background()
	addItem(t, s, "a", models.PriorityMedium, 0)

	_, err := q.Claim(ctx, "crashed")
	require.NoError(t, err)

	// Not stale at exactly the timeout.
	results, err := q.SweepStaleClaims(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = q.SweepStaleClaims(ctx, t0.Add(10*time.Minute+time.Second))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "crashed", results[0].AgentID)
	assert.Equal(t, models.HookStateReady, results[0].State)
	assert.Equal(t, 1, results[0].RetryCount)

	item, err := s.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.HookStateReady, item.State)

	assert.ErrorIs(t, q.Heartbeat(ctx, "a", "crashed"), ErrNotClaimOwner)

	clk.Advance(11 * time.Minute)
	claim, err := q.Claim(ctx, "replacement")
	require.NoError(t, err)
	require.True(t, claim.Success)

	_, err = q.Release(ctx, "a", "crashed", models.OutcomeSuccess)
	assert.ErrorIs(t, err, ErrNotClaimOwner, "the swept agent cannot release the new claim")
}

func TestRunSweeper_ReleasesStaleClaims(t *testing.T) {
	q, s, clk := newTestQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addItem(t, s, "a", models.PriorityMedium, 0)

	_, err := q.Claim(ctx, "crashed")
	require.NoError(t, err)
	clk.Advance(11 * time.Minute)

	done := make(chan struct{})
	go func() {
		q.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		item, err := s.GetItem(context.Background(), "a")
		return err == nil && item.State == models.HookStateReady
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}

func TestSweepStaleClaims_HeartbeatKeepsClaim(t *testing.T) {
	q, s, clk := newTestQueue(t, 2)
	ctx := context.Background()
	addItem(t, s, "a", models.PriorityMedium, 0)

	_, err := q.Claim(ctx, "alive")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clk.Advance(5 * time.Minute)
		require.NoError(t, q.Heartbeat(ctx, "a", "alive"))
		results, err := q.SweepStaleClaims(ctx, clk.Now())
		require.NoError(t, err)
		assert.Empty(t, results)
	}
}

func TestRecover_ByAgentPrefix(t *testing.T) {
	q, s, _ := newTestQueue(t, 2)
	ctx := context.Background()
	addItem(t, s, "a", models.PriorityMedium, 2*time.Minute)
	addItem(t, s, "b", models.PriorityMedium, time.Minute)

	_, err := q.Claim(ctx, "run-old/worker-1")
	require.NoError(t, err)
	_, err = q.Claim(ctx, "run-other/worker-1")
	require.NoError(t, err)

	results, err := q.Recover(ctx, "run-old/")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ItemID)

	_, err = s.GetClaim(ctx, "b")
	assert.NoError(t, err, "claims of other runs are untouched")

	results, err = q.Recover(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRemainingAndDepth(t *testing.T) {
	q, s, _ := newTestQueue(t, 0)
	ctx := context.Background()
	addItem(t, s, "a", models.PriorityMedium, 2*time.Minute)
	addItem(t, s, "b", models.PriorityMedium, time.Minute)

	_, err := q.Claim(ctx, "agent")
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	remaining, err := q.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	// MaxRetries 0 fails on the first failure.
	res, err := q.Release(ctx, "a", "agent", models.OutcomeFailure)
	require.NoError(t, err)
	assert.True(t, res.Terminal)

	remaining, err = q.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestClaim_LabelRestriction(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.CreateItem(ctx, &models.WorkItem{ID: "plain", Title: "x", Priority: models.PriorityHigh}))
	require.NoError(t, s.CreateItem(ctx, &models.WorkItem{ID: "docs", Title: "y", Labels: []string{"docs"}}))

	q := New(s, Config{Label: "docs"})
	res, err := q.Claim(ctx, "agent")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "docs", res.Item.ID)

	res, err = q.Claim(ctx, "agent")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRequeue_KeepsRetryBudget(t *testing.T) {
	q, s, _ := newTestQueue(t, 2)
	ctx := context.Background()
	addItem(t, s, "a", models.PriorityMedium, 0)

	_, err := q.Claim(ctx, "agent")
	require.NoError(t, err)

	res, err := q.Requeue(ctx, "a", "agent")
	require.NoError(t, err)
	assert.Equal(t, models.HookStateReady, res.State)
	assert.Equal(t, 0, res.RetryCount)

	_, err = q.Requeue(ctx, "a", "agent")
	assert.ErrorIs(t, err, ErrNotClaimOwner)
}
