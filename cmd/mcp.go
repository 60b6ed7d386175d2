package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/warden/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent host integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent host dispatch warden tasks and query session
status natively. Configure with:

  {
    "mcpServers": {
      "warden": { "command": "warden", "args": ["mcp"] }
    }
  }

Available tools: warden_run_task, warden_session_status,
warden_session_logs, warden_cancel_session, warden_list_sessions,
warden_pool_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, err := buildOrchestrator(nil)
		if err != nil {
			return err
		}
		s, err := getStore()
		if err != nil {
			return err
		}
		return mcp.NewServer(s, orch).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
