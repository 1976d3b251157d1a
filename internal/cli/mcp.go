package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/obscore/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the obscore MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engines and an MCP server on stdio",
	Long: `Start the observability engines and HTTP API, and expose them as MCP tools
on stdio: get_platform_health, list_active_alerts, aggregate_metric,
search_logs, get_trace and acknowledge_alert.

Telemetry is ingested through the HTTP API while the MCP session runs.
Process logs go to stderr because stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		switch strings.ToLower(cfg.Logging.Output) {
		case "", "stdout":
			cfg.Logging.Output = "stderr"
		case "both":
			cfg.Logging.Output = "file"
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		return runPlatform(ctx, cfg, func(p Platform) error {
			srv := mcp.NewServer(p.MCPDeps(), appVersion)
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("running MCP server: %w", err)
			}
			return nil
		})
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
