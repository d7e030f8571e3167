package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/output"
	"github.com/joescharf/harness/internal/store"
)

var (
	itemDescription string
	itemPriority    string
	itemLabels      []string

	itemListState string
	itemListLabel string
	itemListLimit int
)

var itemCmd = &cobra.Command{
	Use:     "item",
	Aliases: []string{"items"},
	Short:   "Manage work items in the ledger",
}

var itemAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a ready work item",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemAddRun(cmd.Context(), strings.Join(args, " "))
	},
}

var itemListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List work items in claim order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemListRun(cmd.Context())
	},
}

var itemShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a work item with its claim and session history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemShowRun(cmd.Context(), args[0])
	},
}

var itemLabelCmd = &cobra.Command{
	Use:   "label <id> <label>",
	Short: "Add a label to a work item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemLabelRun(cmd.Context(), args[0], args[1])
	},
}

func init() {
	itemAddCmd.Flags().StringVarP(&itemDescription, "description", "d", "", "What the agent should do")
	itemAddCmd.Flags().StringVarP(&itemPriority, "priority", "p", "medium", "Priority: low, medium, high")
	itemAddCmd.Flags().StringSliceVarP(&itemLabels, "label", "l", nil, "Labels (repeatable or comma-separated)")

	itemListCmd.Flags().StringVar(&itemListState, "state", "", "Filter by state: ready, in_progress, closed, failed")
	itemListCmd.Flags().StringVarP(&itemListLabel, "label", "l", "", "Filter by label")
	itemListCmd.Flags().IntVar(&itemListLimit, "limit", 0, "Maximum number of items")
	itemListCmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")

	itemShowCmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")

	itemCmd.AddCommand(itemAddCmd)
	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemShowCmd)
	itemCmd.AddCommand(itemLabelCmd)
	rootCmd.AddCommand(itemCmd)
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func itemAddRun(ctx context.Context, title string) error {
	ctx = ctxOrBackground(ctx)
	item := &models.WorkItem{
		Title:       strings.TrimSpace(title),
		Description: itemDescription,
		Priority:    models.Priority(strings.ToLower(itemPriority)),
		Labels:      itemLabels,
	}
	if err := models.Validate(item); err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would add item %q (%s)", item.Title, item.Priority)
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.CreateItem(ctx, item); err != nil {
		return err
	}
	ui.Success("Added item %s: %s", output.Cyan(item.ID), item.Title)
	return nil
}

func itemListRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	s, err := getStore()
	if err != nil {
		return err
	}
	items, err := s.ListItems(ctx, store.ItemFilter{
		State: models.HookState(itemListState),
		Label: itemListLabel,
		Limit: itemListLimit,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(items)
	}
	if len(items) == 0 {
		ui.Info("No items found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Priority", "State", "Retries", "Labels"})
	for _, it := range items {
		_ = table.Append([]string{
			output.Cyan(it.ID),
			truncate(it.Title, 60),
			string(it.Priority),
			output.StatusColor(string(it.State)),
			fmt.Sprint(it.RetryCount),
			strings.Join(it.Labels, ","),
		})
	}
	_ = table.Render()
	return nil
}

type itemView struct {
	Item     *models.WorkItem        `json:"item"`
	Claim    *models.HookClaim       `json:"claim,omitempty"`
	Sessions []*models.SessionResult `json:"sessions"`
}

func itemShowRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	s, err := getStore()
	if err != nil {
		return err
	}
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return err
	}
	v := itemView{Item: item}
	if item.State == models.HookStateInProgress {
		if claim, err := s.GetClaim(ctx, id); err == nil {
			v.Claim = claim
		}
	}
	all, err := s.ListSessionResults(ctx, "", 0)
	if err != nil {
		return err
	}
	for _, r := range all {
		if r.ItemID == id {
			v.Sessions = append(v.Sessions, r)
		}
	}
	if jsonOut {
		return ui.JSON(v)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(item.ID), item.Title)
	fmt.Fprintf(ui.Out, "State:     %s\n", output.StatusColor(string(item.State)))
	fmt.Fprintf(ui.Out, "Priority:  %s\n", item.Priority)
	fmt.Fprintf(ui.Out, "Retries:   %d\n", item.RetryCount)
	if len(item.Labels) > 0 {
		fmt.Fprintf(ui.Out, "Labels:    %s\n", strings.Join(item.Labels, ", "))
	}
	if v.Claim != nil {
		fmt.Fprintf(ui.Out, "Claimed:   by %s, last heartbeat %s\n", v.Claim.AgentID, timeAgo(v.Claim.LastHeartbeat))
	}
	if item.Description != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, item.Description)
	}

	if len(v.Sessions) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Agent", "Outcome", "Duration", "Commit", "Summary"})
		for _, r := range v.Sessions {
			detail := r.Summary
			if r.Error != "" {
				detail = r.Error
			}
			_ = table.Append([]string{
				r.AgentID,
				output.StatusColor(string(r.Outcome)),
				r.Duration.Round(time.Second).String(),
				shortRef(r.CommitRef),
				truncate(detail, 50),
			})
		}
		_ = table.Render()
	}
	return nil
}

func itemLabelRun(ctx context.Context, id, label string) error {
	ctx = ctxOrBackground(ctx)
	label = strings.TrimSpace(label)
	if label == "" {
		return fmt.Errorf("label is required")
	}
	if dryRun {
		ui.DryRunMsg("Would label %s with %q", id, label)
		return nil
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.AppendLabel(ctx, id, label); err != nil {
		return err
	}
	ui.Success("Labelled %s with %q", id, label)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	if ref == "" {
		return "-"
	}
	return ref
}
