package app

import (
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/loomlabs/loom/internal/fileutil"
)

const maxRecentProjects = 10

// State is the small persisted UI-facing state of the editor core: the
// recently opened projects and which directories are expanded per project.
type State struct {
	mu   sync.Mutex
	path string
	data stateData
}

type stateData struct {
	RecentProjects []string
	ExpandedDirs   map[string]map[string]bool // project root -> dir -> expanded
}

// NewState creates a state container persisted at path.
func NewState(path string) *State {
	return &State{
		path: path,
		data: stateData{
			ExpandedDirs: make(map[string]map[string]bool),
		},
	}
}

// Load reads persisted state from disk. A missing file is a fresh start.
func (s *State) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	var data stateData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode state file: %w", err)
	}
	if data.ExpandedDirs == nil {
		data.ExpandedDirs = make(map[string]map[string]bool)
	}
	s.data = data
	return nil
}

// Save writes state to disk through a temp file swap.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fileutil.EnsureParentDir(s.path); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(&s.data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return fileutil.ReplaceFileAtomically(tmp, s.path)
}

// AddRecentProject moves root to the front of the recent list, deduplicating
// and keeping at most ten entries.
func (s *State) AddRecentProject(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, maxRecentProjects)
	out = append(out, root)
	for _, p := range s.data.RecentProjects {
		if p == root {
			continue
		}
		out = append(out, p)
		if len(out) == maxRecentProjects {
			break
		}
	}
	s.data.RecentProjects = out
}

// RecentProjects returns the most recently opened project roots, newest first.
func (s *State) RecentProjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.data.RecentProjects...)
}

// SetExpanded records whether dir is expanded in the tree view of root.
// Collapsing removes the entry so the state file only holds open dirs.
func (s *State) SetExpanded(root, dir string, expanded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirs := s.data.ExpandedDirs[root]
	if dirs == nil {
		if !expanded {
			return
		}
		dirs = make(map[string]bool)
		s.data.ExpandedDirs[root] = dirs
	}
	if expanded {
		dirs[dir] = true
	} else {
		delete(dirs, dir)
		if len(dirs) == 0 {
			delete(s.data.ExpandedDirs, root)
		}
	}
}

// IsExpanded reports whether dir is recorded as expanded under root.
func (s *State) IsExpanded(root, dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ExpandedDirs[root][dir]
}
