package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/harness/internal/agent"
	"github.com/joescharf/harness/internal/coordinator"
	"github.com/joescharf/harness/internal/daemon"
	"github.com/joescharf/harness/internal/git"
	"github.com/joescharf/harness/internal/llm"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/output"
	"github.com/joescharf/harness/internal/refinery"
	"github.com/joescharf/harness/internal/store"
)

var (
	runWorkers int
	runLabel   string

	stopForce   bool
	stopTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new run over the ready work items",
	Long: `Start a new coordinator run.

Workers claim ready items, run the configured agent command for each and
report the outcome. The run stops to write a checkpoint after every
checkpoint.after_sessions sessions, after checkpoint.after_hours hours of
session time, on failures and on redirects. When rolling confidence drops
below checkpoint.on_confidence_below the run pauses until 'harness resume'.

Ctrl-C pauses the run; in-flight items go back to the queue without
consuming a retry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd.Context(), false, "")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume a paused or interrupted run",
	Long: `Resume the latest run, or the given one, after reviewing its checkpoint.

Claims left behind by the previous process are returned to the queue and
merge requests that had not landed are resubmitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := ""
		if len(args) == 1 {
			runID = args[0]
		}
		return runRun(cmd.Context(), true, runID)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running coordinator to pause",
	Long: `Send SIGTERM to the coordinator holding the run lock. The run pauses
as if interrupted with Ctrl-C. Use --force to kill it instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopRun()
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().IntVarP(&runWorkers, "workers", "w", 0, "Concurrent sessions (default: max_workers)")
		c.Flags().StringVarP(&runLabel, "label", "l", "", "Only claim items with this label (default: label)")
	}
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "Kill the coordinator instead of pausing it")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "How long to wait for the coordinator to exit")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
}

// lockPath is the PID file guarding a run against a second coordinator.
func lockPath() string {
	return filepath.Join(viper.GetString("state_dir"), "harness-run.pid")
}

// runRun starts a new run, or resumes runID (the latest run when empty).
func runRun(parent context.Context, resume bool, runID string) error {
	if parent == nil {
		parent = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	cfg := coordinatorConfig()
	if runWorkers > 0 {
		cfg.MaxWorkers = runWorkers
	}
	if runLabel != "" {
		cfg.Label = runLabel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dryRun {
		return runDryRun(parent, s, cfg, resume, runID)
	}

	deps, err := coordinatorDeps(s, cfg)
	if err != nil {
		return err
	}
	c, err := coordinator.New(cfg, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, shutdownSignals()...)
	defer stop()

	var sum *coordinator.Summary
	if resume {
		ui.Info("Resuming run %s", displayRunID(runID))
		sum, err = c.Resume(ctx, runID)
	} else {
		ui.Info("Starting run with %d worker(s)", cfg.MaxWorkers)
		sum, err = c.Run(ctx)
	}
	if sum != nil {
		printSummary(sum, cfg.Policy.OnConfidenceBelow)
	}
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		return fmt.Errorf("%w; use 'harness stop' to pause it", err)
	}
	return err
}

func displayRunID(id string) string {
	if id == "" {
		return "(latest)"
	}
	return id
}

// coordinatorDeps wires the git repository, the agent command, the merge
// target and the optional summarizer.
func coordinatorDeps(s store.Store, cfg coordinator.Config) (coordinator.Deps, error) {
	repoPath := viper.GetString("repo_path")
	repo := git.NewClient(repoPath, cfg.BaseBranch)
	repo.SetWorktreeRoot(viper.GetString("worktree_dir"))

	tmpl := viper.GetString("agent.command")
	if tmpl == "" {
		return coordinator.Deps{}, fmt.Errorf("agent.command is not configured (set it in config.yaml or HARNESS_AGENT_COMMAND)")
	}
	engine, err := agent.New(agent.Config{
		Template: tmpl,
		Dir:      repoPath,
		Timeout:  viper.GetDuration("agent.timeout"),
		Repo:     repo,
		Logger:   logger,
	})
	if err != nil {
		return coordinator.Deps{}, err
	}

	deps := coordinator.Deps{
		Store:  s,
		Engine: engine,
		VCS:    repo,
		Merger: refinery.NopMerger{},
		Locker: coordinator.LockerFunc(func() (func() error, error) {
			l, err := daemon.Acquire(lockPath())
			if err != nil {
				return nil, err
			}
			return l.Release, nil
		}),
		Logger: logger,
	}
	if viper.GetBool("merge.enabled") {
		deps.Merger = repo
	}
	if viper.GetBool("anthropic.summarize") {
		if key := anthropicKey(); key != "" {
			deps.Summarizer = llm.NewClient(key, viper.GetString("anthropic.model"))
		} else {
			ui.Warning("anthropic.summarize is set but no API key is configured; checkpoints get no narrative")
		}
	}
	return deps, nil
}

func anthropicKey() string {
	if key := viper.GetString("anthropic.api_key"); key != "" {
		return key
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func runDryRun(ctx context.Context, s store.Store, cfg coordinator.Config, resume bool, runID string) error {
	counts, err := s.CountItemsByState(ctx)
	if err != nil {
		return err
	}
	if resume {
		ui.DryRunMsg("Would resume run %s", displayRunID(runID))
	} else {
		ui.DryRunMsg("Would start a run")
	}
	ui.DryRunMsg("%d ready item(s), %d worker(s), label %q", counts[models.HookStateReady], cfg.MaxWorkers, cfg.Label)
	ui.DryRunMsg("Checkpoint after %d sessions or %.1f hours, pause below %.0f%% confidence",
		cfg.Policy.AfterSessions, cfg.Policy.AfterHours, cfg.Policy.OnConfidenceBelow*100)
	return nil
}

// printSummary reports how a run returned.
func printSummary(sum *coordinator.Summary, threshold float64) {
	fmt.Fprintln(ui.Out)
	switch sum.Status {
	case models.RunStatusCompleted:
		ui.Success("Run %s completed after %d sessions", sum.RunID, sum.SessionsCompleted)
	case models.RunStatusPaused:
		ui.Warning("Run %s paused: %s", sum.RunID, sum.Reason)
		ui.Info("Review the checkpoint with 'harness checkpoint show', then 'harness resume'")
	case models.RunStatusFailed:
		ui.Error("Run %s failed: %s", sum.RunID, sum.Reason)
	default:
		ui.Info("Run %s is %s", sum.RunID, sum.Status)
	}

	table := ui.Table([]string{"Ready", "In Progress", "Closed", "Failed"})
	_ = table.Append([]string{
		fmt.Sprint(sum.Counts[models.HookStateReady]),
		fmt.Sprint(sum.Counts[models.HookStateInProgress]),
		fmt.Sprint(sum.Counts[models.HookStateClosed]),
		fmt.Sprint(sum.Counts[models.HookStateFailed]),
	})
	_ = table.Render()

	if cp := sum.Checkpoint; cp != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "Checkpoint %s (%s, confidence %s)\n", cp.ID, cp.Reason, output.ConfidenceColor(cp.Confidence, threshold))
		fmt.Fprintln(ui.Out, cp.Summary)
	}
}

func stopRun() error {
	pf := daemon.NewPIDFile(lockPath())
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("coordinator is not running")
	}

	sig := sigTERM()
	if stopForce {
		sig = sigKILL()
	}
	if dryRun {
		ui.DryRunMsg("Would send %s to coordinator (PID %d)", sig, pid)
		return nil
	}
	if err := pf.Signal(sig); err != nil {
		return fmt.Errorf("signal coordinator (PID %d): %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			ui.Success("Coordinator stopped (PID %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("coordinator (PID %d) still running after %s; retry with --force", pid, stopTimeout)
}
