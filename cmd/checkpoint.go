package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/output"
	"github.com/joescharf/harness/internal/store"
)

var (
	checkpointRun   string
	checkpointLimit int
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Inspect checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List checkpoints, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkpointListRun(cmd.Context())
	},
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a checkpoint (default: the latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return checkpointShowRun(cmd.Context(), id)
	},
}

var redirectCmd = &cobra.Command{
	Use:   "redirect <note>",
	Short: "Redirect the agents with a note",
	Long: `Record a redirect. The running coordinator picks it up after the next
session finishes, writes a checkpoint, and hands the note to every session
it starts afterwards.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return redirectRun(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	checkpointListCmd.Flags().StringVar(&checkpointRun, "run", "", "Only checkpoints of this run")
	checkpointListCmd.Flags().IntVar(&checkpointLimit, "limit", 10, "Maximum number of checkpoints")
	checkpointListCmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	checkpointShowCmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")

	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(redirectCmd)
}

func checkpointListRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	s, err := getStore()
	if err != nil {
		return err
	}
	cps, err := s.ListCheckpoints(ctx, checkpointRun, checkpointLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(cps)
	}
	if len(cps) == 0 {
		ui.Info("No checkpoints yet.")
		return nil
	}

	threshold := viper.GetFloat64("checkpoint.on_confidence_below")
	table := ui.Table([]string{"ID", "Run", "Session", "Reason", "Confidence", "Done", "Failed", "Created"})
	for _, cp := range cps {
		_ = table.Append([]string{
			output.Cyan(cp.ID),
			cp.RunID,
			fmt.Sprint(cp.SessionNumber),
			truncate(cp.Reason, 40),
			output.ConfidenceColor(cp.Confidence, threshold),
			fmt.Sprint(len(cp.ItemsCompleted)),
			fmt.Sprint(len(cp.ItemsFailed)),
			timeAgo(cp.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func checkpointShowRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	s, err := getStore()
	if err != nil {
		return err
	}

	var cp *models.Checkpoint
	if id == "" {
		cp, err = s.LatestCheckpoint(ctx, "")
		if errors.Is(err, store.ErrNotFound) {
			ui.Info("No checkpoints yet.")
			return nil
		}
	} else {
		cp, err = s.GetCheckpoint(ctx, id)
	}
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(cp)
	}

	threshold := viper.GetFloat64("checkpoint.on_confidence_below")
	fmt.Fprintf(ui.Out, "Checkpoint %s\n", output.Cyan(cp.ID))
	fmt.Fprintf(ui.Out, "Run:         %s (session %d)\n", cp.RunID, cp.SessionNumber)
	fmt.Fprintf(ui.Out, "Reason:      %s\n", cp.Reason)
	fmt.Fprintf(ui.Out, "Confidence:  %s\n", output.ConfidenceColor(cp.Confidence, threshold))
	if cp.CommitRef != "" {
		fmt.Fprintf(ui.Out, "Commit:      %s\n", cp.CommitRef)
	}
	fmt.Fprintf(ui.Out, "Created:     %s\n", cp.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	printIDList("Completed", cp.ItemsCompleted)
	printIDList("In progress", cp.ItemsInProgress)
	printIDList("Failed", cp.ItemsFailed)
	if cp.RedirectNotes != "" {
		fmt.Fprintf(ui.Out, "\nRedirect notes:\n%s\n", cp.RedirectNotes)
	}
	if cp.Summary != "" {
		fmt.Fprintf(ui.Out, "\n%s\n", cp.Summary)
	}
	return nil
}

func printIDList(label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(ui.Out, "%-12s %s\n", label+":", strings.Join(ids, ", "))
}

func redirectRun(ctx context.Context, note string) error {
	ctx = ctxOrBackground(ctx)
	note = strings.TrimSpace(note)
	if note == "" {
		return fmt.Errorf("note is required")
	}
	if dryRun {
		ui.DryRunMsg("Would record redirect: %s", note)
		return nil
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	r := &models.Redirect{Note: note}
	if err := s.CreateRedirect(ctx, r); err != nil {
		return err
	}
	ui.Success("Redirect %s recorded; the coordinator checkpoints after the next session", r.ID)
	return nil
}
