// Package pipeline turns file change events into vector store updates. Events
// are debounced per path, processed under a global concurrency bound, and
// applied against the store with the smallest update that keeps it consistent.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomlabs/loom/bus"
	"github.com/loomlabs/loom/chunk"
	"github.com/loomlabs/loom/embedder"
	"github.com/loomlabs/loom/store"
)

const persistInterval = 30 * time.Second

// Pipeline consumes change events and maintains the vector index.
type Pipeline struct {
	store    store.VectorStore
	emb      embedder.Embedder
	splitter *chunk.Splitter
	policy   *Policy
	userID   string
	debounce time.Duration
	sem      *semaphore.Weighted

	ctx context.Context
	wg  sync.WaitGroup

	mu         sync.Mutex
	timers     map[string]*time.Timer
	latest     map[string]bus.ChangeType
	processing map[string]bool
	pending    map[string]bus.ChangeType
	stopped    bool
}

// New creates a pipeline. maxConcurrency bounds how many files are embedded
// at once across debounced events and bulk scans; values below 1 are raised
// to 1.
func New(st store.VectorStore, emb embedder.Embedder, splitter *chunk.Splitter, policy *Policy, userID string, debounce time.Duration, maxConcurrency int) *Pipeline {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Pipeline{
		store:      st,
		emb:        emb,
		splitter:   splitter,
		policy:     policy,
		userID:     userID,
		debounce:   debounce,
		sem:        semaphore.NewWeighted(int64(maxConcurrency)),
		timers:     make(map[string]*time.Timer),
		latest:     make(map[string]bus.ChangeType),
		processing: make(map[string]bool),
		pending:    make(map[string]bus.ChangeType),
	}
}

// Run subscribes to b and processes events until ctx is canceled or the bus
// closes. The index is persisted periodically and on shutdown.
func (p *Pipeline) Run(ctx context.Context, b *bus.Bus) error {
	p.ctx = ctx
	id, events := b.Subscribe()
	defer b.Unsubscribe(id)

	persistTicker := time.NewTicker(persistInterval)
	defer persistTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()

		case <-persistTicker.C:
			if err := p.store.Persist(ctx); err != nil {
				log.Printf("Warning: failed to persist index: %v", err)
			}

		case event, ok := <-events:
			if !ok {
				p.shutdown()
				return nil
			}
			switch e := event.(type) {
			case bus.FileChangeEvent:
				if p.policy.Allows(e.Path) {
					p.Schedule(e.Path, e.Type)
				}
			case bus.ProjectOpenedEvent:
				p.wg.Add(1)
				go func(root string) {
					defer p.wg.Done()
					if _, err := p.ScanProject(ctx, root); err != nil && ctx.Err() == nil {
						log.Printf("Warning: project scan failed for %s: %v", root, err)
					}
				}(e.Root)
			}
		}
	}
}

// Schedule records a change for path and (re)starts its debounce window.
// Repeated events within the window collapse into one processing run that
// uses the most recent change type. Events arriving while the path is being
// processed are queued and rescheduled afterwards.
func (p *Pipeline) Schedule(path string, ct bus.ChangeType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if p.processing[path] {
		p.pending[path] = ct
		return
	}

	p.latest[path] = ct
	if t, ok := p.timers[path]; ok {
		t.Reset(p.debounce)
		return
	}
	p.timers[path] = time.AfterFunc(p.debounce, func() {
		p.fire(path)
	})
}

func (p *Pipeline) fire(path string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	ct, ok := p.latest[path]
	delete(p.latest, path)
	delete(p.timers, path)
	if !ok {
		p.mu.Unlock()
		return
	}
	p.processing[path] = true
	p.wg.Add(1)
	p.mu.Unlock()

	defer p.wg.Done()

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.clearProcessing(path)
		return
	}
	if err := p.process(ctx, path, ct); err != nil && ctx.Err() == nil {
		log.Printf("Warning: failed to process %s (%s): %v", path, ct, err)
	}
	p.sem.Release(1)

	p.mu.Lock()
	delete(p.processing, path)
	next, queued := p.pending[path]
	delete(p.pending, path)
	stopped := p.stopped
	p.mu.Unlock()

	if queued && !stopped {
		p.Schedule(path, next)
	}
}

func (p *Pipeline) clearProcessing(path string) {
	p.mu.Lock()
	delete(p.processing, path)
	delete(p.pending, path)
	p.mu.Unlock()
}

func (p *Pipeline) process(ctx context.Context, path string, ct bus.ChangeType) error {
	switch ct {
	case bus.ChangeDeleted:
		return p.Remove(ctx, path)
	case bus.ChangeAdded:
		_, err := p.IndexFile(ctx, path)
		return err
	case bus.ChangeUpdated:
		return p.smartUpdate(ctx, path)
	default:
		return fmt.Errorf("unknown change type %d", ct)
	}
}

// IndexFile embeds path from scratch and replaces any entries the store
// already holds for it. Callers that want to skip unchanged files use
// EnsureIndexed instead.
func (p *Pipeline) IndexFile(ctx context.Context, path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, p.Remove(ctx, path)
		}
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	chunks := p.splitter.Split(path, string(content))
	if len(chunks) == 0 {
		return 0, p.Remove(ctx, path)
	}

	entries, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return 0, err
	}

	if err := p.Remove(ctx, path); err != nil {
		return 0, err
	}
	if err := p.store.Add(ctx, entries); err != nil {
		return 0, fmt.Errorf("failed to store chunks for %s: %w", path, err)
	}
	return len(entries), nil
}

// Remove deletes every stored entry for path.
func (p *Pipeline) Remove(ctx context.Context, path string) error {
	existing, err := store.EntriesForFile(ctx, p.store, p.fileFilter(path))
	if err != nil {
		return fmt.Errorf("failed to list entries for %s: %w", path, err)
	}
	if len(existing) == 0 {
		return nil
	}
	ids := make([]string, len(existing))
	for i, e := range existing {
		ids[i] = e.ID
	}
	if err := p.store.Delete(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete entries for %s: %w", path, err)
	}
	return nil
}

// smartUpdate reconciles path against the store, discarding the bookkeeping
// the explicit index path and the bulk scan care about.
func (p *Pipeline) smartUpdate(ctx context.Context, path string) error {
	_, _, err := p.reconcile(ctx, path)
	return err
}

// EnsureIndexed indexes path if the store does not hold it, and reconciles the
// stored entries against the current content if it does. The second return is
// true when the store already matched the file and nothing was embedded or
// mutated, so repeated calls on an unchanged file are free after the first.
func (p *Pipeline) EnsureIndexed(ctx context.Context, path string) (int, bool, error) {
	has, err := store.HasFile(ctx, p.store, p.fileFilter(path))
	if err != nil {
		return 0, false, fmt.Errorf("failed to check %s: %w", path, err)
	}
	if !has {
		n, err := p.IndexFile(ctx, path)
		return n, false, err
	}
	n, mutated, err := p.reconcile(ctx, path)
	if err != nil {
		return n, false, err
	}
	return n, !mutated, nil
}

// reconcile re-chunks path and compares the result position by position with
// what the store holds. Unchanged positions are left alone; when the chunk
// count differs or more than half the positions changed, the file is
// re-embedded wholesale instead. Returns the current chunk count and whether
// the store was mutated.
func (p *Pipeline) reconcile(ctx context.Context, path string) (int, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, true, p.Remove(ctx, path)
		}
		return 0, false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	chunks := p.splitter.Split(path, string(content))
	if len(chunks) == 0 {
		return 0, true, p.Remove(ctx, path)
	}

	existing, err := store.EntriesForFile(ctx, p.store, p.fileFilter(path))
	if err != nil {
		return 0, false, fmt.Errorf("failed to list entries for %s: %w", path, err)
	}
	sortByChunkIndex(existing)

	if len(existing) != len(chunks) {
		n, err := p.IndexFile(ctx, path)
		return n, true, err
	}

	var changed []int
	for i, c := range chunks {
		if chunk.HashContent(existing[i].Document) != c.ContentHash {
			changed = append(changed, i)
		}
	}

	if len(changed) == 0 {
		return len(chunks), false, nil
	}
	if len(changed)*2 > len(chunks) {
		n, err := p.IndexFile(ctx, path)
		return n, true, err
	}

	if err := p.updatePositions(ctx, chunks, existing, changed); err != nil {
		log.Printf("Warning: partial update of %s failed, re-embedding file: %v", path, err)
		if rmErr := p.Remove(ctx, path); rmErr != nil {
			return 0, true, rmErr
		}
		n, err := p.IndexFile(ctx, path)
		return n, true, err
	}
	return len(chunks), true, nil
}

// updatePositions replaces only the changed positions. The positional ids
// are stable, so each position is a delete followed by an add of the same id.
func (p *Pipeline) updatePositions(ctx context.Context, chunks []chunk.Chunk, existing []store.Entry, changed []int) error {
	texts := make([]string, len(changed))
	for i, idx := range changed {
		texts[i] = chunks[idx].Content
	}

	vectors, err := p.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed changed chunks: %w", err)
	}
	if len(vectors) != len(changed) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(changed))
	}

	ids := make([]string, len(changed))
	entries := make([]store.Entry, len(changed))
	for i, idx := range changed {
		ids[i] = existing[idx].ID
		entries[i] = p.entryFor(chunks[idx], vectors[i])
	}

	if err := p.store.Delete(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete stale chunks: %w", err)
	}
	if err := p.store.Add(ctx, entries); err != nil {
		return fmt.Errorf("failed to store updated chunks: %w", err)
	}
	return nil
}

func (p *Pipeline) embedChunks(ctx context.Context, chunks []chunk.Chunk) ([]store.Entry, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	entries := make([]store.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = p.entryFor(c, vectors[i])
	}
	return entries, nil
}

func (p *Pipeline) entryFor(c chunk.Chunk, vector []float32) store.Entry {
	return store.Entry{
		ID:       c.ID,
		Document: c.Content,
		Vector:   vector,
		Metadata: store.Metadata{
			Source:    c.Metadata.Source,
			UserID:    c.Metadata.UserID,
			Language:  c.Metadata.Language,
			Timestamp: c.Metadata.Timestamp,
		},
	}
}

func (p *Pipeline) fileFilter(path string) store.Filter {
	return store.Filter{UserID: p.userID, Source: path}
}

// Flush waits until every scheduled and in-flight path has been processed.
// Intended for shutdown paths and tests.
func (p *Pipeline) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		idle := len(p.timers) == 0 && len(p.processing) == 0 && len(p.pending) == 0
		p.mu.Unlock()
		if idle {
			p.wg.Wait()
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (p *Pipeline) shutdown() {
	p.mu.Lock()
	p.stopped = true
	for path, t := range p.timers {
		t.Stop()
		delete(p.timers, path)
		delete(p.latest, path)
	}
	p.mu.Unlock()

	p.wg.Wait()

	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Persist(persistCtx); err != nil {
		log.Printf("Warning: failed to persist index on shutdown: %v", err)
	}
}

// sortByChunkIndex orders entries by the position encoded in their ids.
// Lexicographic order is wrong past position 9, so the index is parsed.
func sortByChunkIndex(entries []store.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return parseChunkIndex(entries[i].ID) < parseChunkIndex(entries[j].ID)
	})
}

func parseChunkIndex(id string) int {
	pos := strings.LastIndex(id, "-chunk-")
	if pos < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[pos+len("-chunk-"):])
	if err != nil {
		return 0
	}
	return n
}
