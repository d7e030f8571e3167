package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/harness/internal/models"
)

var testItem = models.WorkItem{ID: "item-1", Title: "Fix the parser"}

func newCommand(t *testing.T, tmpl string) *Command {
	t.Helper()
	c, err := New(Config{Template: tmpl, Dir: t.TempDir(), Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadTemplates(t *testing.T) {
	_, err := New(Config{Template: "  "})
	assert.Error(t, err)

	_, err = New(Config{Template: "echo {{.Item.ID"})
	assert.ErrorContains(t, err, "parse agent command")
}

func TestRender(t *testing.T) {
	c := newCommand(t, `agent --task {{printf "%q" .Item.Title}} --attempt {{.Session.Attempt}}`)
	got, err := c.Render(testItem, models.SessionContext{Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, `agent --task "Fix the parser" --attempt 2`, got)
}

func TestRunSession_ExitZeroIsSuccess(t *testing.T) {
	c := newCommand(t, "echo working on {{.Item.ID}}")
	res, err := c.RunSession(context.Background(), testItem, models.SessionContext{AgentID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "item-1", res.ItemID)
	assert.Equal(t, "w1", res.AgentID)
	assert.Positive(t, res.Duration)
}

func TestRunSession_ReportLineOverrides(t *testing.T) {
	c := newCommand(t, `echo thinking; echo '{"outcome":"partial","summary":"half done","commit":"abc","files":["a.go"]}'`)
	res, err := c.RunSession(context.Background(), testItem, models.SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePartial, res.Outcome)
	assert.Equal(t, "half done", res.Summary)
	assert.Equal(t, "abc", res.CommitRef)
	assert.Equal(t, []string{"a.go"}, res.FilesModified)
}

func TestRunSession_NonZeroExitIsFailure(t *testing.T) {
	c := newCommand(t, "echo context window exhausted >&2; exit 3")
	res, err := c.RunSession(context.Background(), testItem, models.SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, "agent exited with status 3: context window exhausted", res.Error)
}

func TestRunSession_SessionEnvironment(t *testing.T) {
	c := newCommand(t, `test "$HARNESS_ITEM_ID" = item-1 && test "$HARNESS_ATTEMPT" = 3 && test "$HARNESS_NOTES" = "use v2 api"`)
	res, err := c.RunSession(context.Background(), testItem, models.SessionContext{Attempt: 3, Notes: "use v2 api"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome, res.Error)
}

func TestRunSession_Timeout(t *testing.T) {
	c, err := New(Config{Template: "sleep 5", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	res, err := c.RunSession(context.Background(), testItem, models.SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Error, "timed out")
}

func TestRunSession_CancelReturnsError(t *testing.T) {
	c := newCommand(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.RunSession(ctx, testItem, models.SessionContext{})
	assert.True(t, errors.Is(err, context.Canceled))
}

type fakeRepo struct {
	head  string
	files []string
}

func (r fakeRepo) BranchCommit(context.Context, string) (string, error) { return r.head, nil }

func (r fakeRepo) ChangedFiles(context.Context, string, string) ([]string, error) {
	return r.files, nil
}

func TestRunSession_InspectsBranch(t *testing.T) {
	c, err := New(Config{Template: "true", Repo: fakeRepo{head: "def", files: []string{"x.go"}}})
	require.NoError(t, err)

	res, err := c.RunSession(context.Background(), testItem, models.SessionContext{Branch: "harness/item-1", BaseRef: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "def", res.CommitRef)
	assert.Equal(t, []string{"x.go"}, res.FilesModified)

	res, err = c.RunSession(context.Background(), testItem, models.SessionContext{Branch: "harness/item-1", BaseRef: "def"})
	require.NoError(t, err)
	assert.Empty(t, res.CommitRef, "unmoved branch has nothing to merge")

	res, err = c.RunSession(context.Background(), testItem, models.SessionContext{Branch: "harness/item-1"})
	require.NoError(t, err)
	assert.Empty(t, res.CommitRef, "unknown base ref")
	assert.Empty(t, res.FilesModified)
}

func TestRunSession_SessionDirOverridesDefault(t *testing.T) {
	c := newCommand(t, `test "$(pwd -P)" = "$HARNESS_WORKDIR"`)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	res, err := c.RunSession(context.Background(), testItem, models.SessionContext{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome, res.Error)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("def"))
	assert.Equal(t, "cdef", b.String())
}
