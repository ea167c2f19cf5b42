package shadow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/bus"
	"github.com/loomlabs/loom/internal/fileutil"
)

// Mirror creates and maintains shadow workspaces under a cache root.
type Mirror struct {
	cacheRoot string
	copyFiles bool
	registry  *Registry
}

// NewMirror creates a mirror manager. When copyFiles is false, shadows
// replicate only the tree structure: every file exists but is empty.
func NewMirror(cacheRoot string, copyFiles bool) *Mirror {
	return &Mirror{
		cacheRoot: cacheRoot,
		copyFiles: copyFiles,
		registry:  NewRegistry(),
	}
}

// Registry exposes the workspace registry for lookups.
func (m *Mirror) Registry() *Registry { return m.registry }

// Create clones originalRoot into a fresh uniquely named shadow and registers
// it, using the mirror's default file copy mode. If a shadow already exists
// for originalRoot it is removed first, so repeated opens of the same project
// never accumulate stale mirrors.
func (m *Mirror) Create(ctx context.Context, originalRoot string) (*Workspace, error) {
	return m.CreateWithMode(ctx, originalRoot, m.copyFiles)
}

// CreateWithMode is Create with an explicit file copy mode for this workspace.
func (m *Mirror) CreateWithMode(ctx context.Context, originalRoot string, copyFiles bool) (*Workspace, error) {
	info, err := os.Stat(originalRoot)
	if err != nil {
		return nil, fmt.Errorf("cannot mirror %s: %w", originalRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cannot mirror %s: not a directory", originalRoot)
	}

	if existing, ok := m.registry.LookupExact(originalRoot); ok {
		if err := m.Cleanup(existing.Original); err != nil {
			return nil, fmt.Errorf("failed to remove previous shadow: %w", err)
		}
	}

	shadowRoot := filepath.Join(m.cacheRoot, shadowName(originalRoot))
	if err := os.MkdirAll(shadowRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shadow root: %w", err)
	}

	if err := m.cloneTree(ctx, originalRoot, shadowRoot, copyFiles); err != nil {
		os.RemoveAll(shadowRoot)
		return nil, err
	}

	ws := &Workspace{
		Original:  cleanPath(originalRoot),
		Shadow:    shadowRoot,
		CopyFiles: copyFiles,
		CreatedAt: time.Now(),
	}
	m.registry.Register(ws)
	log.Printf("Shadow workspace created: %s -> %s", ws.Original, ws.Shadow)
	return ws, nil
}

// shadowName builds a collision-resistant directory name from the project
// basename, a short random id, and a millisecond timestamp.
func shadowName(originalRoot string) string {
	base := filepath.Base(cleanPath(originalRoot))
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%d", base, short, time.Now().UnixMilli())
}

// cloneTree replicates src into dst. With file copying enabled it first tries
// the platform's native recursive copy and falls back to a manual walk.
func (m *Mirror) cloneTree(ctx context.Context, src, dst string, copyFiles bool) error {
	if copyFiles && nativeCopy(ctx, src, dst) == nil {
		return nil
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if copyFiles {
			if err := fileutil.CopyFile(path, target); err != nil {
				log.Printf("Warning: failed to copy %s into shadow: %v", path, err)
			}
			return nil
		}
		return touchFile(target)
	})
}

// nativeCopy shells out to cp -R (or robocopy on Windows) to copy the tree
// contents of src into dst. Any failure is reported so the caller can fall
// back to the manual walk.
func nativeCopy(ctx context.Context, src, dst string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		// robocopy exit codes below 8 indicate success.
		cmd = exec.CommandContext(ctx, "robocopy", src, dst, "/E", "/NFL", "/NDL", "/NJH", "/NJS")
		err := cmd.Run()
		var exitErr *exec.ExitError
		if err == nil {
			return nil
		}
		if errors.As(err, &exitErr) && exitErr.ExitCode() < 8 {
			return nil
		}
		return err
	}
	cmd = exec.CommandContext(ctx, "cp", "-R", src+string(filepath.Separator)+".", dst)
	return cmd.Run()
}

func touchFile(path string) error {
	if err := fileutil.EnsureParentDir(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// ShadowPath maps an original path to its location inside the owning shadow.
// The second return is false when no registered workspace covers the path.
func (m *Mirror) ShadowPath(originalPath string) (string, bool) {
	ws, ok := m.registry.LookupByPrefix(originalPath)
	if !ok {
		return "", false
	}
	rel, err := filepath.Rel(ws.Original, cleanPath(originalPath))
	if err != nil {
		return "", false
	}
	if rel == "." {
		return ws.Shadow, true
	}
	return filepath.Join(ws.Shadow, rel), true
}

// WriteFile overwrites the shadow counterpart of originalPath. The shadow
// file must already exist; a mirror never materializes files on write, since
// a missing shadow file means the path was never part of the cloned tree.
func (m *Mirror) WriteFile(originalPath, content string) error {
	target, err := m.existingShadowFile(originalPath)
	if err != nil {
		return err
	}
	return os.WriteFile(target, []byte(content), 0644)
}

// AppendFile appends to the shadow counterpart of originalPath, which must
// already exist.
func (m *Mirror) AppendFile(originalPath, content string) error {
	target, err := m.existingShadowFile(originalPath)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open shadow file for append: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to shadow file: %w", err)
	}
	return f.Close()
}

// CopyIntoShadow refreshes the shadow counterpart of originalPath from disk,
// creating it if the original is newly added to the tree.
func (m *Mirror) CopyIntoShadow(originalPath string) error {
	target, ok := m.ShadowPath(originalPath)
	if !ok {
		return fmt.Errorf("no shadow workspace covers %s", originalPath)
	}
	return fileutil.CopyFile(originalPath, target)
}

func (m *Mirror) existingShadowFile(originalPath string) (string, error) {
	target, ok := m.ShadowPath(originalPath)
	if !ok {
		return "", fmt.Errorf("no shadow workspace covers %s", originalPath)
	}
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("shadow file %s does not exist; only files cloned from the original tree can be written", target)
		}
		return "", err
	}
	return target, nil
}

// Run replays file change events from b into the shadows until ctx is
// canceled or the bus closes.
func (m *Mirror) Run(ctx context.Context, b *bus.Bus) error {
	id, events := b.Subscribe()
	defer b.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			change, isChange := event.(bus.FileChangeEvent)
			if !isChange {
				continue
			}
			if err := m.SyncChange(change); err != nil {
				log.Printf("Warning: shadow sync failed for %s: %v", change.Path, err)
			}
		}
	}
}

// SyncChange applies one original-tree change to the owning shadow. Paths
// outside every registered workspace are ignored.
func (m *Mirror) SyncChange(change bus.FileChangeEvent) error {
	ws, ok := m.registry.LookupByPrefix(change.Path)
	if !ok {
		return nil
	}
	rel, err := filepath.Rel(ws.Original, cleanPath(change.Path))
	if err != nil {
		return err
	}
	target := filepath.Join(ws.Shadow, rel)

	switch change.Type {
	case bus.ChangeDeleted:
		// Directories and files alike; the original is already gone so the
		// shadow entry is removed wholesale.
		return os.RemoveAll(target)

	case bus.ChangeAdded, bus.ChangeUpdated:
		// Live sync always carries content. Structure-only mode governs the
		// laziness of the initial clone, not changes made while mirroring.
		info, err := os.Stat(change.Path)
		if err != nil {
			return nil // original vanished again before we synced
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return fileutil.CopyFile(change.Path, target)
	}
	return nil
}

// Cleanup deletes the shadow for originalRoot and unregisters it.
func (m *Mirror) Cleanup(originalRoot string) error {
	ws := m.registry.Unregister(originalRoot)
	if ws == nil {
		return nil
	}
	if err := os.RemoveAll(ws.Shadow); err != nil {
		return fmt.Errorf("failed to remove shadow %s: %w", ws.Shadow, err)
	}
	log.Printf("Shadow workspace removed: %s", ws.Shadow)
	return nil
}

// CleanupAll removes every registered shadow. The first error is returned
// but removal continues for the remaining workspaces.
func (m *Mirror) CleanupAll() error {
	var firstErr error
	for _, ws := range m.registry.List() {
		if err := m.Cleanup(ws.Original); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
