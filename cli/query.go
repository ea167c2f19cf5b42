package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/app"
	"github.com/loomlabs/loom/config"
)

var queryFile string

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question grounded on the indexed code",
	Long: `Ask a natural language question about the codebase.

The question is embedded, the most relevant indexed chunks are retrieved,
and the configured chat model answers using them as context. Use --file
to restrict retrieval to a single file.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryFile, "file", "f", "", "Restrict retrieval to this file")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := app.New(ctx, projectRoot, currentUserID(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result := a.Query(ctx, args[0], queryFile)

	fmt.Println(result.Response)
	if len(result.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, src := range result.Sources {
			fmt.Printf("  %s\n", src)
		}
	}
	return nil
}
