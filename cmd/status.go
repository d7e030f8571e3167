package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/harness/internal/coordinator"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/output"
	"github.com/joescharf/harness/internal/store"
)

var jsonOut bool

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run status, item counts and the latest checkpoint",
	Long: `Show the status of the latest run, or of the given run: its state,
sessions completed, work item counts by state and the latest checkpoint.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := ""
		if len(args) == 1 {
			runID = args[0]
		}
		return statusRun(cmd.Context(), runID)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show run metrics and a health verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		return healthRun(cmd.Context())
	},
}

func init() {
	statusCmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	healthCmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

type statusView struct {
	Run        *models.Run              `json:"run,omitempty"`
	Counts     map[models.HookState]int `json:"items"`
	Checkpoint *models.Checkpoint       `json:"checkpoint,omitempty"`
}

func loadStatus(ctx context.Context, s store.Store, runID string) (*statusView, error) {
	v := &statusView{}
	var err error
	if runID == "" {
		v.Run, err = s.LatestRun(ctx)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
	} else {
		v.Run, err = s.GetRun(ctx, runID)
	}
	if err != nil {
		return nil, err
	}

	if v.Counts, err = s.CountItemsByState(ctx); err != nil {
		return nil, err
	}
	if v.Run != nil {
		v.Checkpoint, err = s.LatestCheckpoint(ctx, v.Run.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return v, nil
}

func statusRun(ctx context.Context, runID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	v, err := loadStatus(ctx, s, runID)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(v)
	}

	threshold := viper.GetFloat64("checkpoint.on_confidence_below")
	if v.Run == nil {
		ui.Info("No runs yet. Add items with 'harness item add' and start one with 'harness run'.")
	} else {
		r := v.Run
		fmt.Fprintf(ui.Out, "Run:       %s\n", output.Cyan(r.ID))
		fmt.Fprintf(ui.Out, "Status:    %s\n", output.StatusColor(string(r.Status)))
		fmt.Fprintf(ui.Out, "Sessions:  %d\n", r.SessionsCompleted)
		fmt.Fprintf(ui.Out, "Started:   %s (%s)\n", r.StartedAt.Local().Format("2006-01-02 15:04"), timeAgo(r.StartedAt))
		if r.EndedAt != nil {
			fmt.Fprintf(ui.Out, "Ended:     %s\n", r.EndedAt.Local().Format("2006-01-02 15:04"))
		}
		if r.Error != "" {
			fmt.Fprintf(ui.Out, "Error:     %s\n", output.Red(r.Error))
		}
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Ready", "In Progress", "Closed", "Failed"})
	_ = table.Append([]string{
		fmt.Sprint(v.Counts[models.HookStateReady]),
		fmt.Sprint(v.Counts[models.HookStateInProgress]),
		fmt.Sprint(v.Counts[models.HookStateClosed]),
		fmt.Sprint(v.Counts[models.HookStateFailed]),
	})
	_ = table.Render()

	if cp := v.Checkpoint; cp != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "Latest checkpoint %s: %s (confidence %s, %s)\n",
			cp.ID, cp.Reason, output.ConfidenceColor(cp.Confidence, threshold), timeAgo(cp.CreatedAt))
		if cp.RedirectNotes != "" {
			fmt.Fprintf(ui.Out, "Redirect notes: %s\n", cp.RedirectNotes)
		}
	}
	return nil
}

func healthRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	threshold := viper.GetFloat64("checkpoint.on_confidence_below")
	m, err := coordinator.LedgerMetrics(ctx, s, threshold, viper.GetInt("max_workers"))
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(m)
	}

	fmt.Fprintf(ui.Out, "Health:        %s\n", output.HealthColor(string(m.Health)))
	if m.RunID != "" {
		fmt.Fprintf(ui.Out, "Run:           %s (%s)\n", m.RunID, output.StatusColor(string(m.Status)))
	}
	fmt.Fprintf(ui.Out, "Confidence:    %s\n", output.ConfidenceColor(m.Confidence, threshold))
	fmt.Fprintf(ui.Out, "Workers:       %d/%d\n", m.ActiveWorkers, m.MaxWorkers)
	fmt.Fprintf(ui.Out, "Queue depth:   %d\n", m.QueueDepth)
	fmt.Fprintf(ui.Out, "Merge queue:   %d\n", m.MergeQueueDepth)
	fmt.Fprintf(ui.Out, "Sessions:      %d\n", m.SessionsCompleted)
	fmt.Fprintf(ui.Out, "Failed items:  %d\n", m.FailedItems)
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}
