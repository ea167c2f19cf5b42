package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/app"
	"github.com/loomlabs/loom/config"
)

var indexFileFlag string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the project once and exit",
	Long: `Run a one-shot reconcile of the project tree against the index.

Files already present in the index are skipped; new files are chunked,
embedded, and stored. Use --file to force a single file through the
pipeline regardless of its index state.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVarP(&indexFileFlag, "file", "f", "", "Index only this file, bypassing the skip check")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
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

	if indexFileFlag != "" {
		result := a.IndexFile(ctx, indexFileFlag)
		if !result.Success {
			return fmt.Errorf("indexing failed: %s", result.Message)
		}
		fmt.Println(result.Message)
		return nil
	}

	fmt.Printf("Indexing %s...\n", projectRoot)
	stats, err := a.ScanProject(ctx)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	fmt.Printf("Scan complete: %d files indexed, %d chunks created, %d skipped (took %s)\n",
		stats.FilesIndexed, stats.ChunksCreated, stats.FilesSkipped, stats.Duration.Round(time.Millisecond))
	return nil
}
