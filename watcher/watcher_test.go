package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomlabs/loom/bus"
)

func newTestWatcher(t *testing.T) (*Watcher, *bus.Bus) {
	t.Helper()

	b := bus.New(64)
	w, err := New(b)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	t.Cleanup(func() {
		w.Close()
		b.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	return w, b
}

func waitForChange(t *testing.T, ch <-chan bus.Event, path string, typ bus.ChangeType) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("bus channel closed")
			}
			fc, isChange := ev.(bus.FileChangeEvent)
			if !isChange {
				continue
			}
			if fc.Path == path && fc.Type == typ {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v on %s", typ, path)
		}
	}
}

func TestWatchInaccessiblePath(t *testing.T) {
	w, _ := newTestWatcher(t)

	if w.Watch("/nonexistent/path/for/loom", "sub-1") {
		t.Error("expected Watch to return false for an inaccessible path")
	}
}

func TestWatchEmitsAddedEvent(t *testing.T) {
	w, b := newTestWatcher(t)
	dir := t.TempDir()

	if !w.Watch(dir, "sub-1") {
		t.Fatal("Watch failed")
	}

	_, ch := b.Subscribe()

	file := filepath.Join(dir, "a.go")
	if err := os.WriteFile(file, []byte("package a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	waitForChange(t, ch, file, bus.ChangeAdded)
}

func TestWatchEmitsDeletedEvent(t *testing.T) {
	w, b := newTestWatcher(t)
	dir := t.TempDir()

	file := filepath.Join(dir, "a.go")
	if err := os.WriteFile(file, []byte("package a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if !w.Watch(dir, "sub-1") {
		t.Fatal("Watch failed")
	}
	_, ch := b.Subscribe()

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}

	waitForChange(t, ch, file, bus.ChangeDeleted)
}

func TestRefCountedUnwatch(t *testing.T) {
	w, _ := newTestWatcher(t)
	dir := t.TempDir()

	if !w.Watch(dir, "sub-1") {
		t.Fatal("Watch failed for sub-1")
	}
	if !w.Watch(dir, "sub-2") {
		t.Fatal("Watch failed for sub-2")
	}

	if !w.Unwatch(dir, "sub-1") {
		t.Error("Unwatch should succeed for registered subscriber")
	}

	// sub-2 still holds the watch.
	if len(w.WatchedPaths()) != 1 {
		t.Errorf("expected 1 watched path, got %d", len(w.WatchedPaths()))
	}

	if !w.Unwatch(dir, "sub-2") {
		t.Error("Unwatch should succeed for last subscriber")
	}
	if len(w.WatchedPaths()) != 0 {
		t.Errorf("expected 0 watched paths, got %d", len(w.WatchedPaths()))
	}
}

func TestUnwatchUnknownSubscriber(t *testing.T) {
	w, _ := newTestWatcher(t)
	dir := t.TempDir()

	w.Watch(dir, "sub-1")

	if w.Unwatch(dir, "stranger") {
		t.Error("Unwatch should return false for an unregistered subscriber")
	}
	if w.Unwatch(filepath.Join(dir, "missing"), "sub-1") {
		t.Error("Unwatch should return false for an unwatched directory")
	}
}

func TestCleanupRemovesAllSubscriptions(t *testing.T) {
	w, _ := newTestWatcher(t)
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	w.Watch(dir1, "sub-1")
	w.Watch(dir2, "sub-1")
	w.Watch(dir2, "sub-2")

	w.Cleanup("sub-1")

	paths := w.WatchedPaths()
	if len(paths) != 1 {
		t.Fatalf("expected 1 watched path after cleanup, got %d", len(paths))
	}
	if paths[0] != filepath.Clean(dir2) {
		t.Errorf("expected %s to remain watched, got %s", dir2, paths[0])
	}
}

func TestDotfilesIgnored(t *testing.T) {
	w, b := newTestWatcher(t)
	dir := t.TempDir()

	w.Watch(dir, "sub-1")
	_, ch := b.Subscribe()

	dotfile := filepath.Join(dir, ".hidden")
	if err := os.WriteFile(dotfile, []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}
	regular := filepath.Join(dir, "visible.go")
	if err := os.WriteFile(regular, []byte("package a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// The visible file arrives; the dotfile must never have.
	waitForChange(t, ch, regular, bus.ChangeAdded)

	select {
	case ev := <-ch:
		if fc, ok := ev.(bus.FileChangeEvent); ok && fc.Path == dotfile {
			t.Errorf("dotfile event should have been ignored: %+v", fc)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	w, b := newTestWatcher(t)
	dir := t.TempDir()

	w.Watch(dir, "sub-1")
	_, ch := b.Subscribe()

	subdir := filepath.Join(dir, "nested")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, ch, subdir, bus.ChangeAdded)

	// Give the watcher a moment to extend into the new directory.
	time.Sleep(100 * time.Millisecond)

	file := filepath.Join(subdir, "deep.go")
	if err := os.WriteFile(file, []byte("package nested\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, ch, file, bus.ChangeAdded)
}

func TestDirectDeliveryToSubscriber(t *testing.T) {
	w, _ := newTestWatcher(t)
	dir := t.TempDir()

	received := make(chan bus.FileChangeEvent, 8)
	w.Watch(dir, "window-1")
	w.RegisterDelivery("window-1", func(fc bus.FileChangeEvent) {
		received <- fc
	})

	file := filepath.Join(dir, "a.go")
	if err := os.WriteFile(file, []byte("package a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case fc := <-received:
		if fc.Path != file {
			t.Errorf("expected delivery for %s, got %s", file, fc.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for direct delivery")
	}
}

func TestDirectDeliveryPreservesOrder(t *testing.T) {
	w, _ := newTestWatcher(t)
	dir := t.TempDir()

	received := make(chan bus.FileChangeEvent, 64)
	w.Watch(dir, "window-1")
	w.RegisterDelivery("window-1", func(fc bus.FileChangeEvent) {
		received <- fc
	})

	file := filepath.Join(dir, "hot.go")
	if err := os.WriteFile(file, []byte("v0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(file, []byte("v\n"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The create must arrive before any write for the same path.
	deadline := time.After(5 * time.Second)
	sawWrite := false
	for {
		select {
		case fc := <-received:
			if fc.Path != file {
				continue
			}
			if fc.Type == bus.ChangeAdded && sawWrite {
				t.Fatal("create delivered after a write for the same path")
			}
			if fc.Type == bus.ChangeUpdated {
				sawWrite = true
			}
			if sawWrite {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for delivered events")
		}
	}
}

func TestPathWithin(t *testing.T) {
	tests := []struct {
		root     string
		path     string
		expected bool
	}{
		{"/proj", "/proj", true},
		{"/proj", "/proj/src/a.go", true},
		{"/proj", "/other/a.go", false},
		{"/proj", "/project-two/a.go", false},
	}
	for _, tt := range tests {
		if got := pathWithin(tt.root, tt.path); got != tt.expected {
			t.Errorf("pathWithin(%q, %q) = %v, expected %v", tt.root, tt.path, got, tt.expected)
		}
	}
}
