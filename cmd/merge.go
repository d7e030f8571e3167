package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/harness/internal/hook"
	"github.com/joescharf/harness/internal/output"
)

var (
	mergeRun   string
	mergeLimit int
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Inspect the merge queue",
}

var mergeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List merge requests and how they were classified",
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeListRun(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Return stale claims to the queue",
	Long: `Release every claim whose last heartbeat is older than claim_timeout.
The item goes back to ready, or to failed once its retries are used up.
A running coordinator sweeps on every heartbeat; this is for ledgers whose
coordinator died.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sweepRun(cmd.Context())
	},
}

func init() {
	mergeListCmd.Flags().StringVar(&mergeRun, "run", "", "Only merge requests of this run")
	mergeListCmd.Flags().IntVar(&mergeLimit, "limit", 0, "Maximum number of records")
	mergeListCmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")

	mergeCmd.AddCommand(mergeListCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(sweepCmd)
}

func mergeListRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	s, err := getStore()
	if err != nil {
		return err
	}
	recs, err := s.ListMergeRecords(ctx, mergeRun, mergeLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(recs)
	}
	if len(recs) == 0 {
		ui.Info("No merge requests.")
		return nil
	}

	table := ui.Table([]string{"Item", "Worker", "Commit", "Status", "Conflict", "Files", "Reason"})
	for _, r := range recs {
		_ = table.Append([]string{
			output.Cyan(r.ItemID),
			r.WorkerID,
			shortRef(r.CommitRef),
			output.StatusColor(string(r.Status)),
			string(r.ConflictType),
			truncate(strings.Join(r.Files, ","), 40),
			truncate(r.Reason, 40),
		})
	}
	_ = table.Render()
	return nil
}

func sweepRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	s, err := getStore()
	if err != nil {
		return err
	}
	q := hook.New(s, hook.Config{
		ClaimTimeout: viper.GetDuration("claim_timeout"),
		MaxRetries:   viper.GetInt("max_retries"),
		Logger:       logger,
	})
	if dryRun {
		claims, err := s.ListClaims(ctx)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		stale := 0
		for _, c := range claims {
			if c.IsStale(now, q.ClaimTimeout()) {
				ui.DryRunMsg("Would release %s (claimed by %s)", c.ItemID, c.AgentID)
				stale++
			}
		}
		ui.DryRunMsg("%d stale claim(s)", stale)
		return nil
	}

	released, err := q.SweepStaleClaims(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(released) == 0 {
		ui.Info("No stale claims.")
		return nil
	}
	for _, r := range released {
		if r.Terminal {
			ui.Warning("%s failed after %d retries (was %s)", r.ItemID, r.RetryCount, r.AgentID)
		} else {
			ui.Success("%s returned to %s (was %s)", r.ItemID, r.State, r.AgentID)
		}
	}
	fmt.Fprintf(ui.Out, "Released %d claim(s)\n", len(released))
	return nil
}
