package main

import (
	"github.com/spf13/cobra"

	sentiomcp "github.com/hyperengineering/sentio/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio, exposing the
review and threshold tools to MCP-capable agents.

Example configuration:

  {
    "mcpServers": {
      "sentio": {
        "command": "sentio",
        "args": ["mcp"],
        "env": {
          "SENTIO_SITE": "farm-north"
        }
      }
    }
  }

Environment variables:
  SENTIO_DB_PATH       Path to the SQLite database
  SENTIO_SITE          Deployment site (selects the database when no path is set)
  SENTIO_DB_DRIVER     sqlite or postgres
  SENTIO_POSTGRES_DSN  Postgres connection string
  SENTIO_KAFKA_BROKERS Brokers for feedback and relocation events`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	// Logs go to stderr; stdout carries the protocol.
	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	return sentiomcp.NewServer(s.client).Run()
}
