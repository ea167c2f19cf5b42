// Package watcher wraps OS filesystem notification and normalizes raw events
// into bus.FileChangeEvent records. Any number of subscribers can register
// interest in a directory; a directory has exactly one underlying OS watch
// regardless of subscriber count, torn down when the last subscriber leaves.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loomlabs/loom/bus"
)

// DeliveryFunc receives events directly, bypassing the bus. Used by UI
// surfaces that only care about directories they subscribed to.
type DeliveryFunc func(bus.FileChangeEvent)

// rootWatch tracks one watched directory tree and its interested parties.
type rootWatch struct {
	subscribers map[string]bool
	dirs        map[string]bool // subtree directories holding an OS watch ref
}

// Watcher multiplexes fsnotify events to registered UI surfaces and
// broadcasts every event to the internal bus for project-wide services.
type Watcher struct {
	bus *bus.Bus
	fsw *fsnotify.Watcher

	mu         sync.Mutex
	roots      map[string]*rootWatch // canonical dir -> watch state
	osRefs     map[string]int        // directory -> OS watch refcount
	deliverers map[string]DeliveryFunc

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a watcher publishing to b. Call Start before Watch.
func New(b *bus.Bus) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		bus:        b,
		fsw:        fsw,
		roots:      make(map[string]*rootWatch),
		osRefs:     make(map[string]int),
		deliverers: make(map[string]DeliveryFunc),
		done:       make(chan struct{}),
	}, nil
}

// Start begins processing OS events until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)
}

// Close releases all OS watches and stops event processing.
func (w *Watcher) Close() error {
	w.doneOnce.Do(func() { close(w.done) })
	return w.fsw.Close()
}

// Watch idempotently ensures dirPath and its subtree are watched and records
// subscriberID's interest. Returns false if the path is inaccessible; watch
// setup failures never propagate as a crash.
func (w *Watcher) Watch(dirPath, subscriberID string) bool {
	dirPath = filepath.Clean(dirPath)

	info, err := os.Stat(dirPath)
	if err != nil || !info.IsDir() {
		log.Printf("Watcher: cannot watch %s: %v", dirPath, err)
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rw, ok := w.roots[dirPath]
	if !ok {
		rw = &rootWatch{
			subscribers: make(map[string]bool),
			dirs:        make(map[string]bool),
		}
		if err := w.addTreeLocked(rw, dirPath); err != nil {
			w.releaseTreeLocked(rw)
			log.Printf("Watcher: failed to watch %s: %v", dirPath, err)
			return false
		}
		w.roots[dirPath] = rw
	}

	rw.subscribers[subscriberID] = true
	return true
}

// Unwatch removes subscriberID's interest in dirPath. The underlying OS
// watches are released exactly when the subscriber set becomes empty.
func (w *Watcher) Unwatch(dirPath, subscriberID string) bool {
	dirPath = filepath.Clean(dirPath)

	w.mu.Lock()
	defer w.mu.Unlock()

	rw, ok := w.roots[dirPath]
	if !ok || !rw.subscribers[subscriberID] {
		return false
	}

	delete(rw.subscribers, subscriberID)
	if len(rw.subscribers) == 0 {
		w.releaseTreeLocked(rw)
		delete(w.roots, dirPath)
	}
	return true
}

// Cleanup removes subscriberID from every directory it watches. Used when a
// consumer disconnects.
func (w *Watcher) Cleanup(subscriberID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for dirPath, rw := range w.roots {
		if !rw.subscribers[subscriberID] {
			continue
		}
		delete(rw.subscribers, subscriberID)
		if len(rw.subscribers) == 0 {
			w.releaseTreeLocked(rw)
			delete(w.roots, dirPath)
		}
	}
	delete(w.deliverers, subscriberID)
}

// RegisterDelivery attaches a direct delivery callback for a UI surface.
// The callback only fires for directories the subscriber watches.
func (w *Watcher) RegisterDelivery(subscriberID string, fn DeliveryFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deliverers[subscriberID] = fn
}

// WatchedPaths returns the currently watched root directories.
func (w *Watcher) WatchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.roots))
	for p := range w.roots {
		paths = append(paths, p)
	}
	return paths
}

// addTreeLocked walks dirPath adding OS watches for each directory, skipping
// dotted directories. Caller holds w.mu.
func (w *Watcher) addTreeLocked(rw *rootWatch, dirPath string) error {
	return filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != dirPath && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}

		if rw.dirs[path] {
			return nil
		}
		if w.osRefs[path] == 0 {
			if err := w.fsw.Add(path); err != nil {
				log.Printf("Watcher: failed to add %s: %v", path, err)
				return nil
			}
		}
		w.osRefs[path]++
		rw.dirs[path] = true
		return nil
	})
}

// releaseTreeLocked drops the OS watch refs held by rw. Caller holds w.mu.
func (w *Watcher) releaseTreeLocked(rw *rootWatch) {
	for dir := range rw.dirs {
		w.osRefs[dir]--
		if w.osRefs[dir] <= 0 {
			delete(w.osRefs, dir)
			if err := w.fsw.Remove(dir); err != nil {
				// The directory may already be gone; nothing to do.
				log.Printf("Watcher: failed to remove watch on %s: %v", dir, err)
			}
		}
	}
	rw.dirs = make(map[string]bool)
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	// Dotfile paths are ignored by policy.
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	var changeType bus.ChangeType
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			log.Printf("Watcher: stat failed for %s: %v", path, err)
			return
		}
		if info.IsDir() {
			w.trackNewDir(path)
		}
		changeType = bus.ChangeAdded
	case event.Has(fsnotify.Write):
		changeType = bus.ChangeUpdated
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		changeType = bus.ChangeDeleted
	default:
		return
	}

	fc := bus.FileChangeEvent{Path: path, Type: changeType}

	// Direct delivery to UI surfaces subscribed to a covering directory.
	// Callbacks run on the event loop goroutine, outside the lock, so each
	// surface sees events in filesystem order.
	w.mu.Lock()
	var targets []DeliveryFunc
	seen := make(map[string]bool)
	for root, rw := range w.roots {
		if !pathWithin(root, path) {
			continue
		}
		for sub := range rw.subscribers {
			if seen[sub] {
				continue
			}
			seen[sub] = true
			if fn, ok := w.deliverers[sub]; ok {
				targets = append(targets, fn)
			}
		}
	}
	w.mu.Unlock()
	for _, fn := range targets {
		fn(fc)
	}

	// Broadcast to internal services regardless of per-directory
	// subscriptions: their bookkeeping is project-wide.
	w.bus.Publish(fc)
}

// trackNewDir extends watches into a directory created under existing roots.
func (w *Watcher) trackNewDir(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for root, rw := range w.roots {
		if pathWithin(root, path) {
			if err := w.addTreeLocked(rw, path); err != nil {
				log.Printf("Watcher: failed to extend watch into %s: %v", path, err)
			}
		}
	}
}

// pathWithin reports whether path is root or inside root's subtree.
func pathWithin(root, path string) bool {
	if root == path {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
