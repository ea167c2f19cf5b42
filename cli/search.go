package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/app"
	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/store"
)

var (
	searchLimit int
	searchJSON  bool
	searchTOON  bool
)

// SearchResultJSON is a lightweight struct for machine output (no vector).
type SearchResultJSON struct {
	FilePath string  `json:"file_path"`
	ChunkID  string  `json:"chunk_id"`
	Score    float32 `json:"score"`
	Content  string  `json:"content"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the codebase with natural language",
	Long: `Search your codebase using natural language queries.

The search will:
- Vectorize your query using the configured embedding provider
- Calculate cosine similarity against indexed code chunks
- Return the most relevant results with file path and score`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of results to return")
	searchCmd.Flags().BoolVarP(&searchJSON, "json", "j", false, "Output results in JSON format (for AI agents)")
	searchCmd.Flags().BoolVarP(&searchTOON, "toon", "t", false, "Output results in TOON format (token-efficient for AI agents)")
	searchCmd.MarkFlagsMutuallyExclusive("json", "toon")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
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

	matches, err := a.Search(ctx, args[0], searchLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON || searchTOON {
		return printSearchMachine(matches, searchTOON)
	}
	printSearchHuman(args[0], matches)
	return nil
}

func printSearchMachine(matches []store.Match, toon bool) error {
	results := make([]SearchResultJSON, len(matches))
	for i, m := range matches {
		results[i] = SearchResultJSON{
			FilePath: m.Entry.Metadata.Source,
			ChunkID:  m.Entry.ID,
			Score:    m.Score,
			Content:  m.Entry.Document,
		}
	}

	if toon {
		output, err := gotoon.Encode(results)
		if err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		fmt.Println(output)
		return nil
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printSearchHuman(query string, matches []store.Match) {
	if len(matches) == 0 {
		fmt.Printf("No results for %q. Is the index built? Run 'loom serve' or 'loom index' first.\n", query)
		return
	}

	fmt.Printf("Found %d result(s) for %q:\n\n", len(matches), query)
	for i, m := range matches {
		fmt.Printf("%d. %s (score: %.3f)\n", i+1, m.Entry.Metadata.Source, m.Score)
		content := strings.TrimSpace(m.Entry.Document)
		if len(content) > 300 {
			content = content[:300] + "..."
		}
		for _, line := range strings.Split(content, "\n") {
			fmt.Printf("   %s\n", line)
		}
		fmt.Println()
	}
}
