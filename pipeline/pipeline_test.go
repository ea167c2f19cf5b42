package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomlabs/loom/bus"
	"github.com/loomlabs/loom/chunk"
	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/store"
)

type fakeEmbedder struct {
	mu          sync.Mutex
	batchCalls  int
	texts       []string
	inFlight    int32
	maxInFlight int32
	fail        bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.batchCalls++
	f.texts = append(f.texts, texts...)
	fail := f.fail
	f.mu.Unlock()

	if fail {
		return nil, errors.New("embedder unavailable")
	}

	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), 1}
	}
	return vecs, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }

func (f *fakeEmbedder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

func (f *fakeEmbedder) embeddedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// recordingStore wraps a store and counts Add/Delete calls.
type recordingStore struct {
	store.VectorStore
	mu         sync.Mutex
	added      []string
	deleted    []string
	addCalls   int
	delCalls   int
}

func (r *recordingStore) Add(ctx context.Context, entries []store.Entry) error {
	r.mu.Lock()
	r.addCalls++
	for _, e := range entries {
		r.added = append(r.added, e.ID)
	}
	r.mu.Unlock()
	return r.VectorStore.Add(ctx, entries)
}

func (r *recordingStore) Delete(ctx context.Context, ids []string) error {
	r.mu.Lock()
	r.delCalls++
	r.deleted = append(r.deleted, ids...)
	r.mu.Unlock()
	return r.VectorStore.Delete(ctx, ids)
}

func (r *recordingStore) reset() {
	r.mu.Lock()
	r.added = nil
	r.deleted = nil
	r.addCalls = 0
	r.delCalls = 0
	r.mu.Unlock()
}

func newTestPipeline(t *testing.T, emb *fakeEmbedder, debounce time.Duration, concurrency int) (*Pipeline, *recordingStore, string) {
	t.Helper()
	root := t.TempDir()
	rs := &recordingStore{VectorStore: store.NewGOBStore(filepath.Join(root, ".loom", "index.gob"))}
	cfg := config.DefaultConfig()
	policy := NewPolicy(root, cfg.Watch)
	splitter := chunk.NewSplitter(100, 10, "u1")
	p := New(rs, emb, splitter, policy, "u1", debounce, concurrency)
	return p, rs, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureIndexedIsIdempotent(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, time.Hour, 1)
	ctx := context.Background()

	path := filepath.Join(root, "main.go")
	writeFile(t, path, "package main\n\nfunc main() {}\n")

	n1, already, err := p.EnsureIndexed(ctx, path)
	if err != nil {
		t.Fatalf("first index failed: %v", err)
	}
	if already {
		t.Error("first index reported the file as already indexed")
	}
	rs.reset()

	n2, already, err := p.EnsureIndexed(ctx, path)
	if err != nil {
		t.Fatalf("second index failed: %v", err)
	}
	if !already {
		t.Error("second index of an unchanged file should report already indexed")
	}
	if n1 != n2 {
		t.Errorf("chunk count changed between runs: %d vs %d", n1, n2)
	}
	if got := emb.calls(); got != 1 {
		t.Errorf("unchanged file should be embedded exactly once, got %d calls", got)
	}
	if rs.addCalls != 0 || rs.delCalls != 0 {
		t.Errorf("second index should not touch the store, add=%d del=%d", rs.addCalls, rs.delCalls)
	}

	entries, err := store.EntriesForFile(ctx, rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n1 {
		t.Errorf("expected %d entries after double index, got %d", n1, len(entries))
	}
}

func TestEnsureIndexedPicksUpEdits(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, time.Hour, 1)
	ctx := context.Background()

	path := filepath.Join(root, "edit.go")
	writeFile(t, path, "package edit // v1\n")
	if _, _, err := p.EnsureIndexed(ctx, path); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "package edit // v2\n")
	_, already, err := p.EnsureIndexed(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if already {
		t.Error("edited file should not report already indexed")
	}

	entries, err := store.EntriesForFile(ctx, rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !strings.Contains(e.Document, "v2") {
			t.Errorf("stale content survived reindex: %q", e.Document)
		}
	}
}

func TestIndexMissingFileRemovesEntries(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, time.Hour, 1)
	ctx := context.Background()

	path := filepath.Join(root, "gone.go")
	writeFile(t, path, "package gone\n")
	if _, err := p.IndexFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	if _, err := p.IndexFile(ctx, path); err != nil {
		t.Fatalf("indexing a deleted file should clean up, got %v", err)
	}

	has, err := store.HasFile(ctx, rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("entries for deleted file should be gone")
	}
}

func TestDebounceCollapsesBurst(t *testing.T) {
	emb := &fakeEmbedder{}
	p, _, root := newTestPipeline(t, emb, 50*time.Millisecond, 1)
	p.ctx = context.Background()

	path := filepath.Join(root, "busy.go")
	writeFile(t, path, "package busy\n")

	for i := 0; i < 100; i++ {
		p.Schedule(path, bus.ChangeUpdated)
	}
	if !p.Flush(5 * time.Second) {
		t.Fatal("pipeline did not quiesce")
	}

	if got := emb.calls(); got != 1 {
		t.Errorf("expected 1 embed call for a burst, got %d", got)
	}
}

func TestDebounceLatestTypeWins(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, 50*time.Millisecond, 1)
	p.ctx = context.Background()
	ctx := context.Background()

	path := filepath.Join(root, "flip.go")
	writeFile(t, path, "package flip\n")
	if _, err := p.IndexFile(ctx, path); err != nil {
		t.Fatal(err)
	}

	p.Schedule(path, bus.ChangeUpdated)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	p.Schedule(path, bus.ChangeDeleted)
	if !p.Flush(5 * time.Second) {
		t.Fatal("pipeline did not quiesce")
	}

	has, err := store.HasFile(ctx, rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("delete arriving last should win the debounce window")
	}
}

func TestEventDuringProcessingIsRescheduled(t *testing.T) {
	emb := &fakeEmbedder{}
	p, _, root := newTestPipeline(t, emb, 20*time.Millisecond, 1)
	p.ctx = context.Background()

	path := filepath.Join(root, "hot.go")
	writeFile(t, path, "package hot\n")

	p.Schedule(path, bus.ChangeAdded)
	// Wait for processing to start, then queue another change.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		busy := p.processing[path]
		p.mu.Unlock()
		if busy {
			break
		}
		time.Sleep(time.Millisecond)
	}
	p.Schedule(path, bus.ChangeUpdated)

	if !p.Flush(5 * time.Second) {
		t.Fatal("pipeline did not quiesce")
	}
	if got := emb.calls(); got < 1 {
		t.Errorf("expected at least one embed call, got %d", got)
	}
}

func TestConcurrencyBound(t *testing.T) {
	emb := &fakeEmbedder{}
	p, _, root := newTestPipeline(t, emb, 10*time.Millisecond, 1)
	p.ctx = context.Background()

	for i := 0; i < 20; i++ {
		path := filepath.Join(root, fmt.Sprintf("file%d.go", i))
		writeFile(t, path, fmt.Sprintf("package p%d\n", i))
		p.Schedule(path, bus.ChangeAdded)
	}
	if !p.Flush(10 * time.Second) {
		t.Fatal("pipeline did not quiesce")
	}

	if max := atomic.LoadInt32(&emb.maxInFlight); max > 1 {
		t.Errorf("expected at most 1 concurrent embed call, saw %d", max)
	}
	if got := emb.calls(); got != 20 {
		t.Errorf("expected 20 embed calls, got %d", got)
	}
}

func TestSmartUpdateNoChangeIsNoOp(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, time.Hour, 1)
	ctx := context.Background()

	path := filepath.Join(root, "same.go")
	writeFile(t, path, strings.Repeat("line of code here\n", 20))
	if _, err := p.IndexFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	before := emb.calls()
	rs.reset()

	if err := p.smartUpdate(ctx, path); err != nil {
		t.Fatalf("smartUpdate failed: %v", err)
	}

	if got := emb.calls(); got != before {
		t.Errorf("unchanged file should not re-embed, calls went %d -> %d", before, got)
	}
	if rs.addCalls != 0 || rs.delCalls != 0 {
		t.Errorf("unchanged file should not touch the store, add=%d del=%d", rs.addCalls, rs.delCalls)
	}
}

func TestSmartUpdateSingleChunkChange(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, time.Hour, 1)
	ctx := context.Background()

	// Build a file whose chunks are independent so editing one line only
	// changes one chunk. Each paragraph fits inside a single 100-char chunk.
	var sb strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&sb, "block %d %s\n", i, strings.Repeat("x", 80))
	}
	path := filepath.Join(root, "big.txt")
	writeFile(t, path, sb.String())
	if _, err := p.IndexFile(ctx, path); err != nil {
		t.Fatal(err)
	}

	entries, err := store.EntriesForFile(ctx, rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 3 {
		t.Fatalf("test needs a multi-chunk file, got %d chunks", len(entries))
	}

	// Same length so chunk boundaries stay put, content of one block changes.
	updated := strings.Replace(sb.String(), "block 3 x", "block 3 y", 1)
	writeFile(t, path, updated)
	rs.reset()

	if err := p.smartUpdate(ctx, path); err != nil {
		t.Fatalf("smartUpdate failed: %v", err)
	}

	rs.mu.Lock()
	deleted, added := len(rs.deleted), len(rs.added)
	rs.mu.Unlock()
	if deleted != 1 || added != 1 {
		t.Errorf("expected exactly one delete and one add, got del=%d add=%d", deleted, added)
	}
}

func TestSmartUpdateCountMismatchReindexes(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, time.Hour, 1)
	ctx := context.Background()

	path := filepath.Join(root, "grow.txt")
	writeFile(t, path, strings.Repeat("short content line\n", 10))
	if _, err := p.IndexFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	before, err := store.EntriesForFile(ctx, rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, strings.Repeat("this file grew considerably longer\n", 40))
	if err := p.smartUpdate(ctx, path); err != nil {
		t.Fatalf("smartUpdate failed: %v", err)
	}

	after, err := store.EntriesForFile(ctx, rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) <= len(before) {
		t.Errorf("expected more chunks after growth, %d -> %d", len(before), len(after))
	}
	for _, e := range after {
		if !strings.Contains(e.Document, "grew") {
			t.Errorf("stale chunk survived full reindex: %q", e.ID)
		}
	}
}

func TestSmartUpdateRewriteReindexes(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, time.Hour, 1)
	ctx := context.Background()

	var sb strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&sb, "block %d %s\n", i, strings.Repeat("x", 80))
	}
	path := filepath.Join(root, "rewrite.txt")
	writeFile(t, path, sb.String())
	if _, err := p.IndexFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	count := len(emb.embeddedTexts())

	// Same shape, every block rewritten: over half the chunks change.
	writeFile(t, path, strings.ReplaceAll(sb.String(), "x", "z"))
	rs.reset()
	if err := p.smartUpdate(ctx, path); err != nil {
		t.Fatalf("smartUpdate failed: %v", err)
	}

	// Full reindex embeds every chunk again rather than position by position.
	if got := len(emb.embeddedTexts()) - count; got < 2 {
		t.Errorf("expected full re-embed, only %d texts embedded", got)
	}
	entries, err := store.EntriesForFile(ctx, rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Document, "x") {
			t.Errorf("stale content survived rewrite in %s", e.ID)
		}
	}
}

func TestSmartUpdateEmbedFailureSurfaces(t *testing.T) {
	emb := &fakeEmbedder{}
	p, _, root := newTestPipeline(t, emb, time.Hour, 1)
	ctx := context.Background()

	path := filepath.Join(root, "fail.txt")
	writeFile(t, path, strings.Repeat("content line\n", 10))
	if _, err := p.IndexFile(ctx, path); err != nil {
		t.Fatal(err)
	}

	emb.fail = true
	writeFile(t, path, strings.Repeat("changed line\n", 10))
	if err := p.smartUpdate(ctx, path); err == nil {
		t.Error("expected error when embedder is down")
	}
}

func TestRunProcessesBusEvents(t *testing.T) {
	emb := &fakeEmbedder{}
	p, rs, root := newTestPipeline(t, emb, 20*time.Millisecond, 2)

	b := bus.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, b) }()

	time.Sleep(50 * time.Millisecond) // let Run subscribe

	path := filepath.Join(root, "evt.go")
	writeFile(t, path, "package evt\n")
	b.Publish(bus.FileChangeEvent{Path: path, Type: bus.ChangeAdded})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		has, err := store.HasFile(context.Background(), rs, store.Filter{UserID: "u1", Source: path})
		if err != nil {
			t.Fatal(err)
		}
		if has {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	has, err := store.HasFile(context.Background(), rs, store.Filter{UserID: "u1", Source: path})
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("bus event did not result in an indexed file")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunIgnoresFilteredPaths(t *testing.T) {
	emb := &fakeEmbedder{}
	p, _, root := newTestPipeline(t, emb, 10*time.Millisecond, 1)

	b := bus.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, b) }()

	time.Sleep(50 * time.Millisecond) // let Run subscribe

	binPath := filepath.Join(root, "image.png")
	writeFile(t, binPath, "not code")
	b.Publish(bus.FileChangeEvent{Path: binPath, Type: bus.ChangeAdded})

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if got := emb.calls(); got != 0 {
		t.Errorf("filtered path should never reach the embedder, got %d calls", got)
	}
}
