package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/loomlabs/loom/config"
)

// Policy decides which files are eligible for indexing. It combines an
// extension allow-list, a directory deny-list, and the project's root
// .gitignore. Extensions and ignored directories can change at runtime.
type Policy struct {
	mu         sync.RWMutex
	root       string
	extensions map[string]bool
	ignoreDirs map[string]bool
	gitignore  *ignore.GitIgnore
}

// NewPolicy builds a policy for the project rooted at root. A missing or
// unreadable .gitignore is not an error.
func NewPolicy(root string, cfg config.WatchConfig) *Policy {
	p := &Policy{
		root:       root,
		extensions: make(map[string]bool, len(cfg.Extensions)),
		ignoreDirs: make(map[string]bool, len(cfg.IgnoreDirs)),
	}
	for _, ext := range cfg.Extensions {
		p.extensions[strings.ToLower(ext)] = true
	}
	for _, dir := range cfg.IgnoreDirs {
		p.ignoreDirs[dir] = true
	}

	gitignorePath := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(gitignorePath); err == nil {
		if gi, err := ignore.CompileIgnoreFile(gitignorePath); err == nil {
			p.gitignore = gi
		}
	}

	return p
}

// Allows reports whether path should be indexed.
func (p *Policy) Allows(path string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !p.extensions[ext] {
		return false
	}

	rel := path
	if r, err := filepath.Rel(p.root, path); err == nil && !strings.HasPrefix(r, "..") {
		rel = r
	}
	rel = filepath.ToSlash(rel)

	for _, segment := range strings.Split(rel, "/") {
		if p.ignoreDirs[segment] || strings.HasPrefix(segment, ".") {
			return false
		}
	}

	if p.gitignore != nil && p.gitignore.MatchesPath(rel) {
		return false
	}

	return true
}

// SkipDir reports whether a directory subtree can be skipped during scans.
func (p *Policy) SkipDir(path string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	base := filepath.Base(path)
	if p.ignoreDirs[base] {
		return true
	}
	if strings.HasPrefix(base, ".") && base != "." && base != ".." {
		return true
	}
	return false
}

// SetExtensions replaces the extension allow-list.
func (p *Policy) SetExtensions(exts []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extensions = make(map[string]bool, len(exts))
	for _, ext := range exts {
		p.extensions[strings.ToLower(ext)] = true
	}
}

// AddIgnoreDir adds a directory name to the deny-list.
func (p *Policy) AddIgnoreDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreDirs[dir] = true
}
