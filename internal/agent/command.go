// Package agent runs coding agents as external commands, one process per
// session, and turns their exit status and report line into a session result.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/joescharf/harness/internal/models"
)

const (
	// DefaultTimeout bounds one session.
	DefaultTimeout = 2 * time.Hour
	// maxCapture is how much of each output stream is kept.
	maxCapture = 64 << 10
	// waitDelay bounds how long output pipes may outlive a killed agent.
	waitDelay = 2 * time.Second
)

// Repo is the version control the runner inspects after a session.
type Repo interface {
	BranchCommit(ctx context.Context, branch string) (string, error)
	ChangedFiles(ctx context.Context, base, head string) ([]string, error)
}

// Config configures a Command.
type Config struct {
	// Template is a text/template rendered per session and run with sh -c.
	Template string
	Dir      string
	Timeout  time.Duration
	// Repo, when set, supplies the commit and changed files of the session
	// branch if the agent does not report them.
	Repo   Repo
	Env    []string
	Logger *slog.Logger
}

// Command is an execution engine backed by a shell command.
type Command struct {
	tmpl    *template.Template
	dir     string
	timeout time.Duration
	repo    Repo
	env     []string
	logger  *slog.Logger
}

// templateData is what the command template sees.
type templateData struct {
	Item    models.WorkItem
	Session models.SessionContext
}

// Report is the optional JSON object an agent may print as the last line of
// its output to describe the session.
type Report struct {
	Outcome models.Outcome `json:"outcome"`
	Summary string         `json:"summary"`
	Commit  string         `json:"commit"`
	Files   []string       `json:"files"`
}

// New parses cfg.Template and returns a Command.
func New(cfg Config) (*Command, error) {
	if strings.TrimSpace(cfg.Template) == "" {
		return nil, errors.New("agent command template is empty")
	}
	tmpl, err := template.New("agent").Option("missingkey=error").Parse(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("parse agent command: %w", err)
	}
	c := &Command{
		tmpl:    tmpl,
		dir:     cfg.Dir,
		timeout: cfg.Timeout,
		repo:    cfg.Repo,
		env:     cfg.Env,
		logger:  cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

// Render returns the shell command for a session.
func (c *Command) Render(item models.WorkItem, sc models.SessionContext) (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, templateData{Item: item, Session: sc}); err != nil {
		return "", fmt.Errorf("render agent command: %w", err)
	}
	return buf.String(), nil
}

// RunSession runs the agent command for item. A non-zero exit is a failure
// outcome, not an error; an error is returned only when the session could
// not run or ctx was cancelled.
func (c *Command) RunSession(ctx context.Context, item models.WorkItem, sc models.SessionContext) (models.SessionResult, error) {
	script, err := c.Render(item, sc)
	if err != nil {
		return models.SessionResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", script)
	dir := c.dir
	if sc.Dir != "" {
		dir = sc.Dir
	}
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), c.env...), sessionEnv(item, sc)...)
	stdout := &tailBuffer{limit: maxCapture}
	stderr := &tailBuffer{limit: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	c.logger.Debug("starting agent", "item", item.ID, "agent", sc.AgentID, "dir", dir)
	runErr := cmd.Run()
	res := models.SessionResult{
		ItemID:   item.ID,
		AgentID:  sc.AgentID,
		Outcome:  models.OutcomeSuccess,
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Outcome = models.OutcomeFailure
		res.Error = fmt.Sprintf("agent timed out after %s", c.timeout)
	case errors.As(runErr, &exitErr):
		res.Outcome = models.OutcomeFailure
		res.Error = exitMessage(exitErr, stderr.String())
	default:
		return res, fmt.Errorf("run agent: %w", runErr)
	}

	if rep, ok := parseReport(stdout.String()); ok {
		if rep.Outcome.Valid() {
			res.Outcome = rep.Outcome
		}
		res.Summary = rep.Summary
		res.CommitRef = rep.Commit
		res.FilesModified = rep.Files
	}
	c.inspectBranch(ctx, sc, &res)
	return res, nil
}

// inspectBranch fills in the commit and changed files from the session
// branch. A branch that did not move produces no commit.
func (c *Command) inspectBranch(ctx context.Context, sc models.SessionContext, res *models.SessionResult) {
	if c.repo == nil || sc.Branch == "" || !res.Outcome.IsSuccess() {
		return
	}
	// Without the cut point a branch tip cannot be told apart from new work.
	if sc.BaseRef == "" && res.CommitRef == "" {
		return
	}
	if res.CommitRef == "" {
		head, err := c.repo.BranchCommit(ctx, sc.Branch)
		if err != nil {
			c.logger.Warn("read session branch", "branch", sc.Branch, "error", err)
			return
		}
		if head == sc.BaseRef {
			return
		}
		res.CommitRef = head
	}
	if len(res.FilesModified) == 0 && sc.BaseRef != "" {
		files, err := c.repo.ChangedFiles(ctx, sc.BaseRef, res.CommitRef)
		if err != nil {
			c.logger.Warn("list changed files", "branch", sc.Branch, "error", err)
			return
		}
		res.FilesModified = files
	}
}

func sessionEnv(item models.WorkItem, sc models.SessionContext) []string {
	return []string{
		"HARNESS_RUN_ID=" + sc.RunID,
		"HARNESS_AGENT_ID=" + sc.AgentID,
		"HARNESS_ITEM_ID=" + item.ID,
		"HARNESS_ITEM_TITLE=" + item.Title,
		"HARNESS_BRANCH=" + sc.Branch,
		"HARNESS_BASE_REF=" + sc.BaseRef,
		"HARNESS_WORKDIR=" + sc.Dir,
		"HARNESS_ATTEMPT=" + strconv.Itoa(sc.Attempt),
		"HARNESS_NOTES=" + sc.Notes,
	}
}

// parseReport reads the last non-empty line of out as a Report.
func parseReport(out string) (Report, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return Report{}, false
	}
	var rep Report
	if err := json.Unmarshal([]byte(last), &rep); err != nil {
		return Report{}, false
	}
	return rep, true
}

func exitMessage(err *exec.ExitError, stderr string) string {
	msg := fmt.Sprintf("agent exited with status %d", err.ExitCode())
	if tail := lastLine(stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
