package cmd

import (
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/harness/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for supervising agents",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets a supervising agent read run status, checkpoints and health from
the ledger, queue new work items and redirect a running coordinator.
Configure it in an MCP client with:

  {
    "mcpServers": {
      "harness": { "command": "harness", "args": ["mcp"] }
    }
  }

Available tools: harness_status, harness_list_items, harness_add_item,
harness_list_checkpoints, harness_redirect, harness_health`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		srv := mcp.NewServer(s, mcp.Options{
			ConfidenceThreshold: viper.GetFloat64("checkpoint.on_confidence_below"),
			MaxWorkers:          viper.GetInt("max_workers"),
			Version:             buildVersion,
		})

		ctx, stop := signal.NotifyContext(ctxOrBackground(cmd.Context()), shutdownSignals()...)
		defer stop()
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
