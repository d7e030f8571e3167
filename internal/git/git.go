// Package git drives the git binary for the coordinator: worker branches,
// head commits, changed files and serialized merges onto the base branch.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/joescharf/harness/internal/models"
)

// ErrMergeFailed is returned when git refuses a merge. The working tree is
// restored before it is returned.
var ErrMergeFailed = errors.New("git merge failed")

// Client runs git in a single repository.
type Client struct {
	dir        string
	baseBranch string
	// worktreeRoot holds one worktree per worker slot.
	worktreeRoot string
}

// NewClient returns a Client for the repository at dir that merges into
// baseBranch.
func NewClient(dir, baseBranch string) *Client {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Client{dir: dir, baseBranch: baseBranch}
}

// SetWorktreeRoot sets where per-worker worktrees are created. The default
// is harness-worktrees inside the repository's git directory.
func (c *Client) SetWorktreeRoot(root string) { c.worktreeRoot = root }

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", c.dir}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// HeadCommit returns the full hash of HEAD.
func (c *Client) HeadCommit(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "HEAD")
}

// BranchCommit returns the full hash at the tip of branch.
func (c *Client) BranchCommit(ctx context.Context, branch string) (string, error) {
	return c.run(ctx, "rev-parse", "refs/heads/"+branch)
}

func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BaseCommit returns the tip of the base branch.
func (c *Client) BaseCommit(ctx context.Context) (string, error) {
	return c.BranchCommit(ctx, c.baseBranch)
}

// CreateBranch points name at the tip of the base branch, resetting it if it
// already exists from an earlier attempt, and returns that tip.
func (c *Client) CreateBranch(ctx context.Context, name string) (string, error) {
	base, err := c.BaseCommit(ctx)
	if err != nil {
		return "", err
	}
	if err := c.releaseBranch(ctx, name); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "branch", "-f", name, base); err != nil {
		return "", err
	}
	return base, nil
}

// releaseBranch moves every worktree off name, since git refuses to reset a
// checked-out branch. The main worktree goes back to the base branch; worker
// worktrees are detached.
func (c *Client) releaseBranch(ctx context.Context, name string) error {
	trees, err := c.worktrees(ctx)
	if err != nil {
		return err
	}
	for i, wt := range trees {
		if wt.branch != name {
			continue
		}
		if i == 0 {
			err = c.Checkout(ctx, c.baseBranch)
		} else {
			_, err = c.run(ctx, "-C", wt.path, "checkout", "--quiet", "--detach")
		}
		if err != nil {
			return fmt.Errorf("release branch %s: %w", name, err)
		}
	}
	return nil
}

type worktree struct {
	path   string
	branch string
}

// worktrees lists the repository's worktrees, main worktree first.
func (c *Client) worktrees(ctx context.Context) ([]worktree, error) {
	out, err := c.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var trees []worktree
	for _, line := range splitLines(out) {
		switch {
		case strings.HasPrefix(line, "worktree "):
			trees = append(trees, worktree{path: strings.TrimPrefix(line, "worktree ")})
		case strings.HasPrefix(line, "branch ") && len(trees) > 0:
			trees[len(trees)-1].branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	return trees, nil
}

// Workspace returns a worktree for worker slot with branch checked out,
// creating it on first use. Leftovers from an earlier session in the slot
// are discarded.
func (c *Client) Workspace(ctx context.Context, slot int, branch string) (string, error) {
	root := c.worktreeRoot
	if root == "" {
		gitDir, err := c.run(ctx, "rev-parse", "--path-format=absolute", "--git-common-dir")
		if err != nil {
			return "", err
		}
		root = filepath.Join(gitDir, "harness-worktrees")
	}
	dir := filepath.Join(root, fmt.Sprintf("worker-%d", slot+1))

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return "", fmt.Errorf("create worktree root: %w", err)
		}
		// A directory without .git is a worktree git no longer tracks.
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("remove stale worktree: %w", err)
		}
		_, _ = c.run(ctx, "worktree", "prune")
		if _, err := c.run(ctx, "worktree", "add", "--quiet", "--force", dir, branch); err != nil {
			return "", err
		}
		return dir, nil
	}
	if _, err := c.run(ctx, "-C", dir, "checkout", "--quiet", "--force", branch); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "-C", dir, "clean", "-fdq"); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Client) Checkout(ctx context.Context, name string) error {
	_, err := c.run(ctx, "checkout", "--quiet", name)
	return err
}

func (c *Client) IsDirty(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedFiles lists paths that differ between base and head.
func (c *Client) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	out, err := c.run(ctx, "diff", "--name-only", base+"..."+head)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *Client) BranchList(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Merge lands a merge request onto the base branch with a merge commit.
// A refused merge is aborted and reported as ErrMergeFailed.
func (c *Client) Merge(ctx context.Context, req models.MergeRequest) error {
	ref := req.CommitRef
	if req.BranchName != "" {
		ref = req.BranchName
	}
	if _, err := c.run(ctx, "checkout", "--quiet", c.baseBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", c.baseBranch, err)
	}
	msg := fmt.Sprintf("harness: merge %s (%s)", req.ItemID, req.WorkerID)
	if _, err := c.run(ctx, "merge", "--no-ff", "--no-edit", "-m", msg, ref); err != nil {
		if _, abortErr := c.run(ctx, "merge", "--abort"); abortErr != nil {
			return fmt.Errorf("%w: %v (abort: %v)", ErrMergeFailed, err, abortErr)
		}
		return fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	return nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
