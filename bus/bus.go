// Package bus provides the in-process event channel connecting the file
// watcher to the embedding pipeline and the shadow workspace mirror.
package bus

import (
	"log"
	"sync"
)

// ChangeType classifies a normalized filesystem mutation.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeUpdated
	ChangeDeleted
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "ADDED"
	case ChangeUpdated:
		return "UPDATED"
	case ChangeDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Event is the sealed union of messages carried by the bus.
type Event interface {
	isEvent()
}

// FileChangeEvent is a normalized filesystem mutation for a single path.
type FileChangeEvent struct {
	Path string // absolute path
	Type ChangeType
}

// ProjectOpenedEvent signals that a project root became active and its tree
// should be reconciled against the vector store.
type ProjectOpenedEvent struct {
	Root string
}

func (FileChangeEvent) isEvent()    {}
func (ProjectOpenedEvent) isEvent() {}

// Bus fans events out to subscribers. Each subscriber receives events in
// publish order, which preserves per-path ordering end-to-end. Delivery is
// best-effort per subscriber: a full channel drops its oldest queued event
// rather than blocking the publisher, so the latest change always gets
// through.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	closed  bool
}

const defaultBufferSize = 256

// New creates a bus whose subscriber channels hold bufSize events.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
	}
}

// Subscribe registers a new listener. The returned id is used to unsubscribe.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
	} else {
		b.subs[id] = ch
	}
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber in arrival order.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- event:
			continue
		default:
		}
		// Full buffer: evict the oldest queued event so the newest state
		// always survives. The inner selects stay non-blocking in case the
		// subscriber drains or refills the channel concurrently.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
		log.Printf("Event bus: subscriber %d channel full, dropped oldest event", id)
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
