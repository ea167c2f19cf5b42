package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/shadow"
)

var shadowCopyFiles bool

var shadowCmd = &cobra.Command{
	Use:   "shadow",
	Short: "Manage shadow workspace mirrors",
	Long: `Manage shadow workspaces: out-of-tree mirrors of the project used for
safe experiments. A shadow clones the project's directory structure (and
optionally file contents) under the shadow cache directory.

Within a running session ('loom serve' or the MCP server) shadows also
track file changes from the original tree.`,
}

var shadowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a shadow workspace for the current project",
	RunE:  runShadowCreate,
}

var shadowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shadow workspaces of the current project",
	RunE:  runShadowList,
}

var shadowCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove all shadow workspaces of the current project",
	RunE:  runShadowClean,
}

func init() {
	shadowCreateCmd.Flags().BoolVar(&shadowCopyFiles, "copy-files", false, "Copy file contents instead of structure-only cloning")
	shadowCmd.AddCommand(shadowCreateCmd)
	shadowCmd.AddCommand(shadowListCmd)
	shadowCmd.AddCommand(shadowCleanCmd)
	rootCmd.AddCommand(shadowCmd)
}

func runShadowCreate(cmd *cobra.Command, args []string) error {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	copyFiles := cfg.Shadow.CopyFiles || shadowCopyFiles
	mirror := shadow.NewMirror(cfg.ShadowCacheRoot(), copyFiles)

	ws, err := mirror.Create(context.Background(), projectRoot)
	if err != nil {
		return fmt.Errorf("failed to create shadow workspace: %w", err)
	}

	mode := "structure-only"
	if copyFiles {
		mode = "full copy"
	}
	fmt.Printf("Created shadow workspace (%s):\n", mode)
	fmt.Println(ws.Shadow)
	return nil
}

// projectShadows lists shadow directories on disk for the project. Shadow
// names start with the project basename followed by a dash.
func projectShadows(cacheRoot, projectRoot string) ([]string, error) {
	entries, err := os.ReadDir(cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := filepath.Base(projectRoot) + "-"
	var shadows []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			shadows = append(shadows, filepath.Join(cacheRoot, e.Name()))
		}
	}
	return shadows, nil
}

func runShadowList(cmd *cobra.Command, args []string) error {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	shadows, err := projectShadows(cfg.ShadowCacheRoot(), projectRoot)
	if err != nil {
		return fmt.Errorf("failed to list shadow workspaces: %w", err)
	}

	if len(shadows) == 0 {
		fmt.Println("No shadow workspaces found")
		return nil
	}
	for _, s := range shadows {
		fmt.Println(s)
	}
	return nil
}

func runShadowClean(cmd *cobra.Command, args []string) error {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	shadows, err := projectShadows(cfg.ShadowCacheRoot(), projectRoot)
	if err != nil {
		return fmt.Errorf("failed to list shadow workspaces: %w", err)
	}

	removed := 0
	for _, s := range shadows {
		if err := os.RemoveAll(s); err != nil {
			fmt.Printf("Warning: failed to remove %s: %v\n", s, err)
			continue
		}
		removed++
	}
	fmt.Printf("Removed %d shadow workspace(s)\n", removed)
	return nil
}
