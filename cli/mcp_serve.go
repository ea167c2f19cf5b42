package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/mcp"
)

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve [project-path]",
	Short: "Start loom as an MCP server",
	Long: `Start loom as an MCP (Model Context Protocol) server.

This allows AI agents to use loom as a native tool through the MCP
protocol. The server communicates via stdio and exposes the following
tools:

  - loom_query: Ask a question answered from the indexed code
  - loom_search: Semantic code search with natural language
  - loom_index_file: Index a single file immediately
  - loom_index_status: Check index health and statistics
  - loom_shadow_create: Create a shadow workspace mirror
  - loom_shadow_write: Write content to a file inside the shadow

Arguments:
  project-path  Optional path to the loom project directory.
                If not provided, searches for .loom from current directory.

Configuration for Claude Code:
  claude mcp add loom -- loom mcp-serve

Configuration for Cursor (.cursor/mcp.json):
  {
    "mcpServers": {
      "loom": {
        "command": "loom",
        "args": ["mcp-serve"]
      }
    }
  }`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

// resolveMCPProjectRoot determines the project root for the MCP server.
func resolveMCPProjectRoot(explicitPath string) (string, error) {
	if explicitPath != "" {
		if !filepath.IsAbs(explicitPath) {
			abs, err := filepath.Abs(explicitPath)
			if err != nil {
				return "", fmt.Errorf("failed to resolve path: %w", err)
			}
			explicitPath = abs
		}
		if !config.Exists(explicitPath) {
			return "", fmt.Errorf("no loom project found at %s (run 'loom init' first)", explicitPath)
		}
		return explicitPath, nil
	}
	return config.FindProjectRoot()
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	var explicitPath string
	if len(args) > 0 {
		explicitPath = args[0]
	}

	projectRoot, err := resolveMCPProjectRoot(explicitPath)
	if err != nil {
		return err
	}

	srv, err := mcp.NewServer(projectRoot, currentUserID())
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer srv.Close()

	return srv.Serve()
}
