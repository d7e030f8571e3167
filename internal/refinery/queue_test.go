package refinery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/harness/internal/clock"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func request(worker string, files ...string) models.MergeRequest {
	return models.MergeRequest{
		WorkerID: worker, ItemID: worker + "-item", CommitRef: "commit-" + worker,
		BranchName: "harness/" + worker, FilesModified: files,
	}
}

func newQueue(clk clock.Clock, merger Merger) *Queue {
	return New(Config{
		Policy: Policy{SensitivePatterns: DefaultSensitivePatterns},
		Holder: "run-1",
		Merger: merger,
		Clock:  clk,
	})
}

func TestSubmit_Validates(t *testing.T) {
	q := newQueue(clock.Fake(t0), nil)
	_, err := q.Submit(context.Background(), models.MergeRequest{WorkerID: "w1"})
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, q.Len())

	req, err := q.Submit(context.Background(), request("w1", "a.go"))
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, t0, req.RequestedAt)
	assert.Equal(t, 1, q.Len())
}

func TestTryMerge_EmptyIsNoop(t *testing.T) {
	q := newQueue(clock.Fake(t0), nil)
	out, err := q.TryMerge(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out)
}

// Two workers with disjoint files both land.
func TestScenario_DisjointRequestsBothComplete(t *testing.T) {
	ctx := context.Background()
	q := newQueue(clock.Fake(t0), nil)

	var wg sync.WaitGroup
	for _, r := range []models.MergeRequest{request("w1", "api/handler.go"), request("w2", "web/app.ts")} {
		wg.Add(1)
		go func(r models.MergeRequest) {
			defer wg.Done()
			_, err := q.Submit(ctx, r)
			assert.NoError(t, err)
		}(r)
	}
	wg.Wait()

	outcomes, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)

	st := q.State()
	assert.Len(t, st.Completed, 2)
	assert.Empty(t, st.Failed)
	assert.Empty(t, st.Pending)
	assert.Nil(t, st.Merging)
}

// Two workers touching package-lock.json: the second is rejected.
func TestScenario_LockFileConflict(t *testing.T) {
	ctx := context.Background()
	q := newQueue(clock.Fake(t0), nil)

	_, err := q.Submit(ctx, request("w1", "package-lock.json", "src/a.js"))
	require.NoError(t, err)
	_, err = q.Submit(ctx, request("w2", "package-lock.json", "src/b.js"))
	require.NoError(t, err)

	first, err := q.TryMerge(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, models.MergeStatusCompleted, first.Status)

	second, err := q.TryMerge(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, models.MergeStatusFailed, second.Status)
	assert.Equal(t, models.ConflictComplex, second.Result.ConflictType)
	assert.False(t, second.Result.Allowed)
	assert.Equal(t, []string{"w1"}, second.Result.ConflictsWith)

	st := q.State()
	require.Len(t, st.Failed, 1)
	assert.Equal(t, "w2", st.Failed[0].Request.WorkerID)
	assert.Contains(t, st.Failed[0].Reason, "w1")
}

func TestTryMerge_RejectedRequestDoesNotBlockQueue(t *testing.T) {
	ctx := context.Background()
	q := newQueue(clock.Fake(t0), nil)

	for _, r := range []models.MergeRequest{
		request("w1", "go.sum"),
		request("w2", "go.sum"),
		request("w3", "README.md"),
	} {
		_, err := q.Submit(ctx, r)
		require.NoError(t, err)
	}

	outcomes, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, models.MergeStatusCompleted, outcomes[0].Status)
	assert.Equal(t, models.MergeStatusFailed, outcomes[1].Status)
	assert.Equal(t, models.MergeStatusCompleted, outcomes[2].Status)
}

func TestTryMerge_MergerErrorFails(t *testing.T) {
	ctx := context.Background()
	q := newQueue(clock.Fake(t0), MergerFunc(func(context.Context, models.MergeRequest) error {
		return errors.New("rebase conflict")
	}))

	_, err := q.Submit(ctx, request("w1", "a.go"))
	require.NoError(t, err)

	out, err := q.TryMerge(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, models.MergeStatusFailed, out.Status)
	assert.EqualError(t, out.Err, "rebase conflict")

	st := q.State()
	assert.Empty(t, st.Completed)
	require.Len(t, st.Failed, 1)
	assert.Contains(t, st.Failed[0].Reason, "rebase conflict")
	assert.Nil(t, st.Merging)
}

func TestTryMerge_NoopWhileMerging(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	unblock := make(chan struct{})
	q := newQueue(clock.Fake(t0), MergerFunc(func(context.Context, models.MergeRequest) error {
		close(started)
		<-unblock
		return nil
	}))

	_, err := q.Submit(ctx, request("w1", "a.go"))
	require.NoError(t, err)
	_, err = q.Submit(ctx, request("w2", "b.go"))
	require.NoError(t, err)

	done := make(chan *Outcome)
	go func() {
		out, err := q.TryMerge(ctx)
		assert.NoError(t, err)
		done <- out
	}()
	<-started

	out, err := q.TryMerge(ctx)
	require.NoError(t, err)
	assert.Nil(t, out, "second TryMerge is a no-op while the slot is occupied")
	require.NotNil(t, q.State().Merging)
	assert.Equal(t, 1, q.Len())

	close(unblock)
	first := <-done
	assert.Equal(t, models.MergeStatusCompleted, first.Status)
}

func TestTryMerge_SerializationAndPartition(t *testing.T) {
	ctx := context.Background()
	var inFlight, maxInFlight int32
	q := newQueue(clock.Real(), MergerFunc(func(context.Context, models.MergeRequest) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}))

	const workers = 6
	const perWorker = 5
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				files := []string{fmt.Sprintf("w%d/f%d.go", w, i)}
				if i%2 == 0 {
					files = append(files, "shared.go")
				}
				_, err := q.Submit(ctx, request(fmt.Sprintf("w%d", w), files...))
				assert.NoError(t, err)
				_, err = q.TryMerge(ctx)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	_, err := q.Drain(ctx)
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(1))

	st := q.State()
	assert.Empty(t, st.Pending)
	assert.Nil(t, st.Merging)
	assert.Equal(t, workers*perWorker, len(st.Completed)+len(st.Failed))

	seen := map[string]bool{}
	for _, r := range st.Completed {
		assert.False(t, seen[r.ID], "duplicate %s", r.ID)
		seen[r.ID] = true
	}
	for _, f := range st.Failed {
		assert.False(t, seen[f.Request.ID], "duplicate %s", f.Request.ID)
		seen[f.Request.ID] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestTryMerge_BaseAtFiltersCompleted(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	q := newQueue(clk, nil)

	_, err := q.Submit(ctx, request("w1", "main.go"))
	require.NoError(t, err)
	_, err = q.TryMerge(ctx)
	require.NoError(t, err)

	// Branch cut after w1 landed: no conflict.
	clk.Advance(time.Minute)
	later := request("w2", "main.go")
	later.BaseAt = clk.Now()
	_, err = q.Submit(ctx, later)
	require.NoError(t, err)
	out, err := q.TryMerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusCompleted, out.Status)
	assert.Equal(t, models.ConflictNone, out.Result.ConflictType)

	// Branch cut before w2 landed: complex.
	stale := request("w3", "main.go")
	stale.BaseAt = t0
	_, err = q.Submit(ctx, stale)
	require.NoError(t, err)
	out, err = q.TryMerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusFailed, out.Status)
	assert.Equal(t, []string{"w1", "w2"}, out.Result.ConflictsWith)
}

func TestTryMerge_OverlapLandedInEarlierWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	q := newQueue(clk, nil)

	clk.Advance(time.Minute)
	_, err := q.Submit(ctx, request("w1", "main.go"))
	require.NoError(t, err)
	_, err = q.TryMerge(ctx)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	q.ResetWindow(clk.Now())

	// Cut before w1 landed, so w1 is compared, but it belongs to the last window.
	clk.Advance(time.Minute)
	stale := request("w2", "main.go")
	stale.BaseAt = t0
	_, err = q.Submit(ctx, stale)
	require.NoError(t, err)
	out, err := q.TryMerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusCompleted, out.Status)
	assert.Equal(t, models.ConflictOverlappingFiles, out.Result.ConflictType)
	assert.True(t, out.Result.Allowed)
	assert.False(t, out.Result.AutoMergeable)
	assert.Equal(t, []string{"main.go"}, out.Result.ConflictingFiles)
}

func TestResetWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	q := newQueue(clk, nil)

	_, err := q.Submit(ctx, request("w1", "main.go"))
	require.NoError(t, err)
	_, err = q.TryMerge(ctx)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	q.ResetWindow(clk.Now())

	_, err = q.Submit(ctx, request("w2", "main.go"))
	require.NoError(t, err)
	out, err := q.TryMerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusCompleted, out.Status, "w1 landed in a previous window")
}

func TestTryMerge_LedgerSlotHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	clk := clock.Fake(t0)

	require.NoError(t, s.AcquireMergeSlot(ctx, "other-process", "zzz", t0, time.Minute))

	q := New(Config{
		Policy: Policy{SensitivePatterns: DefaultSensitivePatterns},
		Holder: "run-1",
		RunID:  "run-1",
		Slot:   NewLedgerSlot(s, clk, time.Minute),
		Store:  s,
		Clock:  clk,
	})
	_, err := q.Submit(ctx, request("w1", "a.go"))
	require.NoError(t, err)

	out, err := q.TryMerge(ctx)
	assert.ErrorIs(t, err, ErrSlotHeld)
	assert.Nil(t, out)
	assert.Equal(t, 1, q.Len(), "request stays pending")

	clk.Advance(2 * time.Minute)
	out, err = q.TryMerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusCompleted, out.Status)

	// Slot is released after the merge.
	assert.NoError(t, s.AcquireMergeSlot(ctx, "other-process", "zzz", clk.Now(), time.Minute))

	records, err := s.ListMergeRecords(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.MergeStatusCompleted, records[0].Status)
	assert.Equal(t, models.ConflictNone, records[0].ConflictType)
}

func TestLocalSlot(t *testing.T) {
	ctx := context.Background()
	var slot LocalSlot
	require.NoError(t, slot.Acquire(ctx, "a", ""))
	require.NoError(t, slot.Acquire(ctx, "a", ""))
	assert.ErrorIs(t, slot.Acquire(ctx, "b", ""), ErrSlotHeld)
	require.NoError(t, slot.Release(ctx, "b"))
	assert.Equal(t, "a", slot.Holder())
	require.NoError(t, slot.Release(ctx, "a"))
	assert.NoError(t, slot.Acquire(ctx, "b", ""))
}
