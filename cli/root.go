// Package cli implements the loom command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Editor core with incremental semantic indexing and shadow workspaces",
	Long: `loom keeps a semantic index of your codebase up to date as files change
and maintains shadow workspace mirrors for safe out-of-tree experiments.

Typical workflow:
  loom init                 Initialize loom in the current project
  loom serve                Watch the project and keep the index current
  loom query "question"     Ask a question grounded on the indexed code
  loom search "query"       Semantic search over indexed chunks
  loom shadow create        Create a shadow workspace mirror`,
	SilenceUsage: true,
	Version:      version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
