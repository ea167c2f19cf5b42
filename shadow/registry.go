// Package shadow maintains disposable mirror copies of project trees. Each
// mirror lives under a shared cache root with a unique name, and a registry
// maps original paths to their shadows so file changes can be replayed into
// the mirror.
package shadow

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Workspace describes one active mirror.
type Workspace struct {
	Original  string    // absolute root of the mirrored project
	Shadow    string    // absolute root of the mirror
	CopyFiles bool      // whether file contents were copied
	CreatedAt time.Time
}

// Registry tracks active workspaces keyed by their original root.
type Registry struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

func NewRegistry() *Registry {
	return &Registry{workspaces: make(map[string]*Workspace)}
}

// Register records ws, replacing any previous entry for the same original.
func (r *Registry) Register(ws *Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workspaces[cleanPath(ws.Original)] = ws
}

// Unregister removes the workspace rooted at original, returning it if found.
func (r *Registry) Unregister(original string) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cleanPath(original)
	ws := r.workspaces[key]
	delete(r.workspaces, key)
	return ws
}

// LookupExact returns the workspace whose original root is exactly path.
func (r *Registry) LookupExact(path string) (*Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[cleanPath(path)]
	return ws, ok
}

// LookupByPrefix returns the workspace whose original root is the longest
// registered ancestor of path. Matching is segment-aware, so /proj is not
// treated as an ancestor of /proj2/file.
func (r *Registry) LookupByPrefix(path string) (*Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clean := cleanPath(path)
	var best *Workspace
	bestLen := -1
	for root, ws := range r.workspaces {
		if !pathWithin(clean, root) {
			continue
		}
		if len(root) > bestLen {
			best = ws
			bestLen = len(root)
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// List returns a snapshot of all registered workspaces.
func (r *Registry) List() []*Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, ws)
	}
	return out
}

func cleanPath(path string) string {
	return filepath.Clean(path)
}

// pathWithin reports whether path equals root or sits underneath it.
func pathWithin(path, root string) bool {
	if path == root {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, strings.TrimSuffix(root, sep)+sep)
}
