// Package git derives a stable project identity from repository metadata.
// The identity names per-project store collections and daemon instances, and
// stays the same across linked worktrees of one repository.
package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Info holds repository detection results for a path.
type Info struct {
	Root       string // worktree root from: git rev-parse --show-toplevel
	CommonDir  string // shared .git directory (absolute)
	IsWorktree bool   // true for a linked worktree
	ProjectID  string // hex(sha256(CommonDir))[:12], shared across worktrees
}

// Detect inspects the repository containing path. It returns an error when
// git is not installed or path is outside any repository.
func Detect(path string) (*Info, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rootCmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--show-toplevel")
	rootOut, err := rootCmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("not a git repository or git command failed: %w (stderr: %s)", err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("failed to execute git command (is git installed?): %w", err)
	}
	root := strings.TrimSpace(string(rootOut))

	commonCmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--git-common-dir")
	commonOut, err := commonCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get git common directory: %w", err)
	}
	commonDir := strings.TrimSpace(string(commonOut))

	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(root, commonDir)
	}
	commonDir, err = filepath.Abs(commonDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve git common dir: %w", err)
	}
	commonDir = filepath.Clean(commonDir)

	// A linked worktree's common dir points into the main repository's .git.
	isWorktree := commonDir != filepath.Join(root, ".git")

	return &Info{
		Root:       root,
		CommonDir:  commonDir,
		IsWorktree: isWorktree,
		ProjectID:  hashID(commonDir),
	}, nil
}

// ProjectID returns a stable 12-character identity for the project at path.
// Inside a git repository the identity follows the repository, so every
// worktree and every clone location of the same checkout agree. Outside git
// it falls back to hashing the cleaned absolute path.
func ProjectID(path string) string {
	if info, err := Detect(path); err == nil {
		return info.ProjectID
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return hashID(filepath.Clean(abs))
}

// IsGitRepo reports whether path is inside a git repository. Any failure,
// including git being absent, counts as false.
func IsGitRepo(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

func hashID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
