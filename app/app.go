// Package app is the editor core façade. It owns the change bus, the file
// watcher, the indexing pipeline, and the shadow mirror, and exposes the
// operations an editor surface calls: opening projects, reading and writing
// files, indexing, retrieval-backed questions, and shadow workspace access.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomlabs/loom/bus"
	"github.com/loomlabs/loom/chunk"
	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/embedder"
	"github.com/loomlabs/loom/git"
	"github.com/loomlabs/loom/llm"
	"github.com/loomlabs/loom/pipeline"
	"github.com/loomlabs/loom/shadow"
	"github.com/loomlabs/loom/store"
	"github.com/loomlabs/loom/watcher"
)

// queryFallback is returned verbatim whenever answering fails, so surfaces
// can render it without special-casing errors.
const queryFallback = "I encountered an error trying to answer your question"

const answerSystemPrompt = `You are a coding assistant embedded in an editor.
Answer the user's question using only the provided code context. Cite file
paths when relevant. If the context is insufficient, say so briefly.`

// IndexResult reports the outcome of an explicit index request.
type IndexResult struct {
	Success bool
	Chunks  int
	Message string
}

// QueryResult carries an answer and the files it was grounded on.
type QueryResult struct {
	Success  bool
	Response string
	Sources  []string
}

// App wires the subsystems together for one user session.
type App struct {
	cfg    *config.Config
	root   string
	userID string

	bus      *bus.Bus
	watcher  *watcher.Watcher
	pipeline *pipeline.Pipeline
	policy   *pipeline.Policy
	mirror   *shadow.Mirror
	store    store.VectorStore
	emb      embedder.Embedder
	gen      llm.Generator
	state    *State

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watched map[string]bool
}

// New constructs the app for the project rooted at projectRoot. Nothing runs
// until Start is called.
func New(ctx context.Context, projectRoot, userID string, cfg *config.Config) (*App, error) {
	projectID := git.ProjectID(projectRoot)

	st, err := store.NewFromConfig(ctx, cfg, projectRoot, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	emb, err := embedder.NewFromConfig(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	b := bus.New(0)
	w, err := watcher.New(b)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize watcher: %w", err)
	}

	splitter := chunk.NewSplitter(cfg.Chunking.Size, cfg.Chunking.Overlap, userID)
	policy := pipeline.NewPolicy(projectRoot, cfg.Watch)
	p := pipeline.New(st, emb, splitter, policy, userID, cfg.Watch.Debounce(), cfg.Watch.MaxConcurrency)

	state := NewState(config.StatePath(projectRoot))
	if err := state.Load(); err != nil {
		log.Printf("Warning: failed to load state: %v", err)
	}

	return &App{
		cfg:      cfg,
		root:     projectRoot,
		userID:   userID,
		bus:      b,
		watcher:  w,
		pipeline: p,
		policy:   policy,
		mirror:   shadow.NewMirror(cfg.ShadowCacheRoot(), cfg.Shadow.CopyFiles),
		store:    st,
		emb:      emb,
		gen:      llm.NewFromConfig(cfg),
		state:    state,
		watched:  make(map[string]bool),
	}, nil
}

// Start launches the watcher, the pipeline, and the shadow sync loop.
func (a *App) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.watcher.Start(runCtx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.pipeline.Run(runCtx, a.bus); err != nil && runCtx.Err() == nil {
			log.Printf("Warning: pipeline stopped: %v", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		if err := a.mirror.Run(runCtx, a.bus); err != nil && runCtx.Err() == nil {
			log.Printf("Warning: shadow sync stopped: %v", err)
		}
	}()
}

// Close shuts everything down, destroys the session's shadow workspaces, and
// persists the index and state. Shadows are tied to the session: the registry
// does not survive the process, so leaving the directories behind would only
// accumulate orphans.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.watcher.Close()
	a.bus.Close()

	if err := a.mirror.CleanupAll(); err != nil {
		log.Printf("Warning: failed to clean up shadow workspaces: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.Persist(ctx); err != nil {
		log.Printf("Warning: failed to persist index on close: %v", err)
	}
	if err := a.state.Save(); err != nil {
		log.Printf("Warning: failed to save state: %v", err)
	}
	return a.store.Close()
}

// OpenProject records the project as recently opened, starts watching its
// root, and kicks off a bulk reconcile scan through the bus.
func (a *App) OpenProject() error {
	a.state.AddRecentProject(a.root)
	if err := a.state.Save(); err != nil {
		log.Printf("Warning: failed to save state: %v", err)
	}
	if !a.WatchDirectory(a.root) {
		return fmt.Errorf("cannot watch project root %s", a.root)
	}
	a.bus.Publish(bus.ProjectOpenedEvent{Root: a.root})
	return nil
}

// WatchDirectory starts watching dir recursively. Returns false when the
// directory cannot be watched.
func (a *App) WatchDirectory(dir string) bool {
	if !a.watcher.Watch(dir, a.userID) {
		return false
	}
	a.mu.Lock()
	a.watched[dir] = true
	a.mu.Unlock()
	return true
}

// UnwatchDirectory stops watching dir for this session.
func (a *App) UnwatchDirectory(dir string) {
	a.watcher.Unwatch(dir, a.userID)
	a.mu.Lock()
	delete(a.watched, dir)
	a.mu.Unlock()
}

// ToggleWatchPath flips the watch state of dir and returns the new state.
func (a *App) ToggleWatchPath(dir string) bool {
	a.mu.Lock()
	watching := a.watched[dir]
	a.mu.Unlock()
	if watching {
		a.UnwatchDirectory(dir)
		return false
	}
	return a.WatchDirectory(dir)
}

// WatchedPaths lists the directories this session watches, sorted.
func (a *App) WatchedPaths() []string {
	a.mu.Lock()
	paths := make([]string, 0, len(a.watched))
	for dir := range a.watched {
		paths = append(paths, dir)
	}
	a.mu.Unlock()
	sort.Strings(paths)
	return paths
}

// ReadFile returns the content of a file on disk.
func (a *App) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes content to a real file. The watcher picks the change up
// and drives reindexing and shadow sync, so nothing is done here beyond the
// write itself.
func (a *App) WriteFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// IndexFile indexes one file immediately, bypassing the debounce window.
// Calling it again on an unchanged file leaves the store untouched.
func (a *App) IndexFile(ctx context.Context, path string) IndexResult {
	n, already, err := a.pipeline.EnsureIndexed(ctx, path)
	if err != nil {
		return IndexResult{Message: err.Error()}
	}
	if already {
		return IndexResult{
			Success: true,
			Chunks:  n,
			Message: fmt.Sprintf("%s already indexed (%d chunks)", path, n),
		}
	}
	return IndexResult{
		Success: true,
		Chunks:  n,
		Message: fmt.Sprintf("indexed %d chunks from %s", n, path),
	}
}

// ScanProject runs a blocking bulk reconcile of the project tree against the
// index. OpenProject triggers the same scan asynchronously through the bus.
func (a *App) ScanProject(ctx context.Context) (*pipeline.ScanStats, error) {
	return a.pipeline.ScanProject(ctx, a.root)
}

// Query answers question using retrieved code context. When filePath is
// non-empty, retrieval is restricted to that file's chunks. Failures produce
// the canned fallback response rather than an error.
func (a *App) Query(ctx context.Context, question, filePath string) QueryResult {
	vector, err := a.emb.Embed(ctx, question)
	if err != nil {
		log.Printf("Warning: failed to embed question: %v", err)
		return QueryResult{Response: queryFallback}
	}

	filter := store.Filter{UserID: a.userID}
	if filePath != "" {
		filter.Source = filePath
	}
	limit := a.cfg.Chat.MaxChunks
	if limit <= 0 {
		limit = 5
	}

	matches, err := a.store.Query(ctx, store.QueryRequest{
		Vector: vector,
		Limit:  limit,
		Filter: filter,
	})
	if err != nil {
		log.Printf("Warning: retrieval failed: %v", err)
		return QueryResult{Response: queryFallback}
	}

	var contextText strings.Builder
	seen := make(map[string]bool)
	var sources []string
	for _, m := range matches {
		fmt.Fprintf(&contextText, "File: %s\n%s\n\n", m.Entry.Metadata.Source, m.Entry.Document)
		if !seen[m.Entry.Metadata.Source] {
			seen[m.Entry.Metadata.Source] = true
			sources = append(sources, m.Entry.Metadata.Source)
		}
	}

	user := fmt.Sprintf("Context:\n%s\nQuestion: %s", contextText.String(), question)
	answer, err := a.gen.Generate(ctx, answerSystemPrompt, user)
	if err != nil {
		log.Printf("Warning: answer generation failed: %v", err)
		return QueryResult{Response: queryFallback, Sources: sources}
	}

	return QueryResult{Success: true, Response: answer, Sources: sources}
}

// Search returns raw retrieval matches for question without LLM generation.
func (a *App) Search(ctx context.Context, question string, limit int) ([]store.Match, error) {
	vector, err := a.emb.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if limit <= 0 {
		limit = 10
	}
	return a.store.Query(ctx, store.QueryRequest{
		Vector: vector,
		Limit:  limit,
		Filter: store.Filter{UserID: a.userID},
	})
}

// Stats returns index statistics.
func (a *App) Stats(ctx context.Context) (*store.Stats, error) {
	return a.store.GetStats(ctx)
}

// CreateShadowWorkspace mirrors the project into a fresh shadow, replacing
// any previous shadow of the same project. copyFiles selects a full clone;
// false clones structure only, with live sync filling in content as files
// change.
func (a *App) CreateShadowWorkspace(ctx context.Context, copyFiles bool) (*shadow.Workspace, error) {
	return a.mirror.CreateWithMode(ctx, a.root, copyFiles)
}

// ShadowPath maps a project path to its shadow location.
func (a *App) ShadowPath(path string) (string, bool) {
	return a.mirror.ShadowPath(path)
}

// WriteToShadowFile overwrites the shadow counterpart of path. The shadow
// file must already exist.
func (a *App) WriteToShadowFile(path, content string) error {
	return a.mirror.WriteFile(path, content)
}

// AppendToShadowFile appends to the shadow counterpart of path.
func (a *App) AppendToShadowFile(path, content string) error {
	return a.mirror.AppendFile(path, content)
}

// CopyFileToShadow refreshes one shadow file from the original on disk.
func (a *App) CopyFileToShadow(path string) error {
	return a.mirror.CopyIntoShadow(path)
}

// CleanupShadow removes this project's shadow workspace.
func (a *App) CleanupShadow() error {
	return a.mirror.Cleanup(a.root)
}

// CleanupAllShadows removes every shadow this session created.
func (a *App) CleanupAllShadows() error {
	return a.mirror.CleanupAll()
}

// State exposes persisted recent-projects and tree-expansion state.
func (a *App) State() *State { return a.state }

// SetExpanded records tree expansion for a directory of this project.
func (a *App) SetExpanded(dir string, expanded bool) {
	a.state.SetExpanded(a.root, dir, expanded)
}

// IsExpanded reports tree expansion for a directory of this project.
func (a *App) IsExpanded(dir string) bool {
	return a.state.IsExpanded(a.root, dir)
}
