package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", ".").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "initial").Run())
	return dir
}

func withJSON(t *testing.T) {
	t.Helper()
	jsonOut = true
	t.Cleanup(func() { jsonOut = false })
}

func TestItemCommands(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	itemPriority = "high"
	itemLabels = []string{"parser"}
	t.Cleanup(func() { itemPriority, itemLabels = "medium", nil })
	require.NoError(t, itemAddRun(ctx, "Handle empty input"))

	s, err := getStore()
	require.NoError(t, err)
	items, err := s.ListItems(ctx, store.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	id := items[0].ID
	assert.Equal(t, models.PriorityHigh, items[0].Priority)

	require.NoError(t, itemLabelRun(ctx, id, "backend"))
	require.NoError(t, itemListRun(ctx))
	assert.Contains(t, outText(t), "Handle empty input")

	withJSON(t)
	ui.Out.(interface{ Reset() }).Reset()
	require.NoError(t, itemShowRun(ctx, id))
	var v struct {
		Item     models.WorkItem
		Sessions []models.SessionResult
	}
	require.NoError(t, json.Unmarshal([]byte(outText(t)), &v))
	assert.ElementsMatch(t, []string{"parser", "backend"}, v.Item.Labels)
	assert.Empty(t, v.Sessions)
}

func TestItemAddRun_Invalid(t *testing.T) {
	testEnv(t)
	itemPriority = "urgent"
	t.Cleanup(func() { itemPriority = "medium" })

	err := itemAddRun(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Priority")
}

func TestItemShowRun_NotFound(t *testing.T) {
	testEnv(t)
	err := itemShowRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedirectAndCheckpointCommands(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	require.NoError(t, checkpointShowRun(ctx, ""))
	assert.Contains(t, outText(t), "No checkpoints yet")

	require.Error(t, redirectRun(ctx, "   "))
	require.NoError(t, redirectRun(ctx, "stay out of cmd/"))

	s, err := getStore()
	require.NoError(t, err)
	pending, err := s.ListPendingRedirects(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stay out of cmd/", pending[0].Note)

	require.NoError(t, s.CreateCheckpoint(ctx, &models.Checkpoint{
		RunID: "run-1", SessionNumber: 2, Reason: "redirect", Confidence: 0.9,
		ItemsCompleted: []string{"a"}, RedirectNotes: "stay out of cmd/",
	}))
	require.NoError(t, checkpointShowRun(ctx, ""))
	assert.Contains(t, outText(t), "Redirect notes")
	require.NoError(t, checkpointListRun(ctx))
}

func TestStatusAndHealth_EmptyLedger(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	require.NoError(t, statusRun(ctx, ""))
	assert.Contains(t, outText(t), "No runs yet")

	withJSON(t)
	ui.Out.(interface{ Reset() }).Reset()
	require.NoError(t, healthRun(ctx))
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(outText(t)), &m))
	assert.Equal(t, "healthy", m["health"])
}

func TestStatusRun_UnknownRun(t *testing.T) {
	testEnv(t)
	err := statusRun(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepAndMergeList_Empty(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	require.NoError(t, sweepRun(ctx))
	assert.Contains(t, outText(t), "No stale claims")
	require.NoError(t, mergeListRun(ctx))
	assert.Contains(t, outText(t), "No merge requests")
}

func TestRunRun_RequiresAgentCommand(t *testing.T) {
	testEnv(t)
	err := runRun(context.Background(), false, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.command")
}

func TestRunRun_InvalidConfig(t *testing.T) {
	testEnv(t)
	viper.Set("claim_timeout", "0s")
	err := runRun(context.Background(), false, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid coordinator config")
}

func TestRunRun_DryRun(t *testing.T) {
	testEnv(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	require.NoError(t, runRun(context.Background(), false, ""))
	_, err := os.Stat(lockPath())
	assert.True(t, os.IsNotExist(err), "dry run must not take the lock")
}

func TestResumeRun_NoRuns(t *testing.T) {
	testEnv(t)
	viper.Set("agent.command", "true")
	viper.Set("repo_path", t.TempDir())

	err := runRun(context.Background(), true, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStopRun_NotRunning(t *testing.T) {
	testEnv(t)
	err := stopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestRunRun_EndToEnd(t *testing.T) {
	testEnv(t)
	ctx := context.Background()
	repo := initGitRepo(t)

	viper.Set("repo_path", repo)
	viper.Set("agent.command", `echo "{{ .Item.Title }}" > "$HARNESS_ITEM_ID.txt" && git add -A && git commit -qm "{{ .Item.Title }}"`)

	require.NoError(t, itemAddRun(ctx, "first change"))
	require.NoError(t, itemAddRun(ctx, "second change"))

	require.NoError(t, runRun(ctx, false, ""))
	assert.Contains(t, outText(t), "completed after 2 sessions")

	s, err := getStore()
	require.NoError(t, err)
	counts, err := s.CountItemsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.HookStateClosed])

	recs, err := s.ListMergeRecords(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, models.MergeStatusCompleted, r.Status, r.Reason)
	}

	items, err := s.ListItems(ctx, store.ItemFilter{})
	require.NoError(t, err)
	require.NoError(t, exec.Command("git", "-C", repo, "checkout", "-q", "main").Run())
	for _, it := range items {
		_, err := os.Stat(filepath.Join(repo, it.ID+".txt"))
		assert.NoError(t, err, "work of %s landed on main", it.ID)
	}

	_, err = os.Stat(lockPath())
	assert.True(t, os.IsNotExist(err), "lock released after the run")
}
