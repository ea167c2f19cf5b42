package shadow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomlabs/loom/bus"
)

func buildSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src", "deep"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"main.go":          "package main\n",
		"src/lib.go":       "package src\n",
		"src/deep/util.go": "package deep\n",
		"README.md":        "# readme\n",
	}
	for rel, content := range files {
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(rel)), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestCreateFullCopyIsByteIdentical(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), true)

	ws, err := m.Create(context.Background(), src)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for _, rel := range []string{"main.go", "src/lib.go", "src/deep/util.go", "README.md"} {
		want, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(filepath.Join(ws.Shadow, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("shadow missing %s: %v", rel, err)
		}
		if string(got) != string(want) {
			t.Errorf("shadow content differs for %s", rel)
		}
	}
}

func TestCreateStructureOnly(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), false)

	ws, err := m.Create(context.Background(), src)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(ws.Shadow, "src", "deep", "util.go"))
	if err != nil {
		t.Fatalf("shadow structure incomplete: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("structure-only shadow should hold empty files, got %d bytes", info.Size())
	}
}

func TestCreateWithModeOverridesDefault(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), false)

	ws, err := m.CreateWithMode(context.Background(), src, true)
	if err != nil {
		t.Fatalf("CreateWithMode failed: %v", err)
	}
	if !ws.CopyFiles {
		t.Error("workspace should record the per-call copy mode")
	}

	got, err := os.ReadFile(filepath.Join(ws.Shadow, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "package main\n" {
		t.Errorf("full-copy override not honored: %q", got)
	}
}

func TestShadowNameIsUnique(t *testing.T) {
	src := buildSourceTree(t)
	name1 := shadowName(src)
	name2 := shadowName(src)
	if name1 == name2 {
		t.Errorf("consecutive shadow names collided: %s", name1)
	}
	if !strings.HasPrefix(name1, filepath.Base(src)+"-") {
		t.Errorf("shadow name should start with project basename: %s", name1)
	}
}

func TestCreateTwiceRemovesPreviousShadow(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), false)
	ctx := context.Background()

	first, err := m.Create(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Create(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	if first.Shadow == second.Shadow {
		t.Error("recreate should produce a new shadow root")
	}
	if _, err := os.Stat(first.Shadow); !os.IsNotExist(err) {
		t.Error("previous shadow should be deleted on recreate")
	}
	if _, err := os.Stat(second.Shadow); err != nil {
		t.Errorf("new shadow missing: %v", err)
	}
	if got := len(m.Registry().List()); got != 1 {
		t.Errorf("expected a single registered workspace, got %d", got)
	}
}

func TestShadowPathMapping(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), true)
	ws, err := m.Create(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := m.ShadowPath(filepath.Join(src, "src", "lib.go"))
	if !ok {
		t.Fatal("expected mapping for file inside workspace")
	}
	if got != filepath.Join(ws.Shadow, "src", "lib.go") {
		t.Errorf("unexpected shadow path: %s", got)
	}

	if root, ok := m.ShadowPath(src); !ok || root != ws.Shadow {
		t.Errorf("root should map to shadow root, got %s %v", root, ok)
	}
	if _, ok := m.ShadowPath(filepath.Join(t.TempDir(), "other.go")); ok {
		t.Error("path outside workspace should not map")
	}
}

func TestWriteFileRequiresExistingShadowFile(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), true)
	ws, err := m.Create(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(src, "main.go")
	if err := m.WriteFile(target, "package rewritten\n"); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(ws.Shadow, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "package rewritten\n" {
		t.Errorf("shadow content not updated: %q", got)
	}

	// The original is untouched.
	orig, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(orig) != "package main\n" {
		t.Error("writing to a shadow must never touch the original")
	}

	// A path never cloned must not be created on write.
	ghost := filepath.Join(src, "ghost.go")
	if err := m.WriteFile(ghost, "x"); err == nil {
		t.Error("expected error writing to a file absent from the shadow")
	}
	if _, statErr := os.Stat(filepath.Join(ws.Shadow, "ghost.go")); !os.IsNotExist(statErr) {
		t.Error("failed write must not materialize a shadow file")
	}
}

func TestAppendFile(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), true)
	ws, err := m.Create(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(src, "README.md")
	if err := m.AppendFile(target, "more\n"); err != nil {
		t.Fatalf("AppendFile failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(ws.Shadow, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "# readme\nmore\n" {
		t.Errorf("unexpected content after append: %q", got)
	}

	if err := m.AppendFile(filepath.Join(src, "absent.md"), "x"); err == nil {
		t.Error("expected error appending to a file absent from the shadow")
	}
}

func TestSyncChangePropagates(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), true)
	ws, err := m.Create(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	// Added file.
	added := filepath.Join(src, "src", "new.go")
	if err := os.WriteFile(added, []byte("package src // new\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.SyncChange(bus.FileChangeEvent{Path: added, Type: bus.ChangeAdded}); err != nil {
		t.Fatalf("sync add failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Shadow, "src", "new.go")); err != nil {
		t.Errorf("added file missing from shadow: %v", err)
	}

	// Updated file.
	updated := filepath.Join(src, "main.go")
	if err := os.WriteFile(updated, []byte("package main // v2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.SyncChange(bus.FileChangeEvent{Path: updated, Type: bus.ChangeUpdated}); err != nil {
		t.Fatalf("sync update failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(ws.Shadow, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "package main // v2\n" {
		t.Errorf("update not propagated: %q", got)
	}

	// Deleted directory removes the whole shadow subtree.
	if err := os.RemoveAll(filepath.Join(src, "src")); err != nil {
		t.Fatal(err)
	}
	if err := m.SyncChange(bus.FileChangeEvent{Path: filepath.Join(src, "src"), Type: bus.ChangeDeleted}); err != nil {
		t.Fatalf("sync delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Shadow, "src")); !os.IsNotExist(err) {
		t.Error("deleted directory should be removed from shadow")
	}

	// Changes outside any workspace are ignored.
	if err := m.SyncChange(bus.FileChangeEvent{Path: "/nowhere/x.go", Type: bus.ChangeUpdated}); err != nil {
		t.Errorf("out-of-workspace change should be a no-op, got %v", err)
	}
}

func TestSyncChangeStructureOnlyStillCopiesContent(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), false)
	ws, err := m.Create(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	// The initial clone is empty files, but live sync always carries content.
	added := filepath.Join(src, "src", "fresh.go")
	if err := os.WriteFile(added, []byte("package src // fresh\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.SyncChange(bus.FileChangeEvent{Path: added, Type: bus.ChangeAdded}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(ws.Shadow, "src", "fresh.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "package src // fresh\n" {
		t.Errorf("added file content not mirrored: %q", got)
	}

	updated := filepath.Join(src, "main.go")
	if err := os.WriteFile(updated, []byte("package main // v2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.SyncChange(bus.FileChangeEvent{Path: updated, Type: bus.ChangeUpdated}); err != nil {
		t.Fatal(err)
	}
	got, err = os.ReadFile(filepath.Join(ws.Shadow, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "package main // v2\n" {
		t.Errorf("updated file content not mirrored: %q", got)
	}
}

func TestCleanupAll(t *testing.T) {
	srcA := buildSourceTree(t)
	srcB := buildSourceTree(t)
	m := NewMirror(t.TempDir(), false)
	ctx := context.Background()

	wsA, err := m.Create(ctx, srcA)
	if err != nil {
		t.Fatal(err)
	}
	wsB, err := m.Create(ctx, srcB)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.CleanupAll(); err != nil {
		t.Fatalf("CleanupAll failed: %v", err)
	}
	for _, shadowRoot := range []string{wsA.Shadow, wsB.Shadow} {
		if _, err := os.Stat(shadowRoot); !os.IsNotExist(err) {
			t.Errorf("shadow %s should be removed", shadowRoot)
		}
	}
	if got := len(m.Registry().List()); got != 0 {
		t.Errorf("expected empty registry, got %d entries", got)
	}
}

func TestRunAppliesBusEvents(t *testing.T) {
	src := buildSourceTree(t)
	m := NewMirror(t.TempDir(), true)
	ws, err := m.Create(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, b) }()

	time.Sleep(50 * time.Millisecond) // let Run subscribe

	updated := filepath.Join(src, "main.go")
	if err := os.WriteFile(updated, []byte("package main // synced\n"), 0644); err != nil {
		t.Fatal(err)
	}
	b.Publish(bus.FileChangeEvent{Path: updated, Type: bus.ChangeUpdated})

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := os.ReadFile(filepath.Join(ws.Shadow, "main.go"))
		if err == nil && string(got) == "package main // synced\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("shadow never received the synced content")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
