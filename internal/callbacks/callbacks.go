// Package callbacks lets the application subscribe to peer and tracking events.
package callbacks

import (
	"sync"

	"github.com/mikeyg42/xrstream/internal/protocol"
)

// EventKind is a bit set so one callback can listen to several kinds.
type EventKind uint32

const (
	EventTracking EventKind = 1 << iota
	EventPeerConnected
	EventPeerDisconnected

	EventAll = EventTracking | EventPeerConnected | EventPeerDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventTracking:
		return "tracking"
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	}
	return "mixed"
}

type Event struct {
	Kind   EventKind
	PeerID string

	// Up is set for EventTracking.
	Up *protocol.UpMessage
}

type Func func(Event)

type entry struct {
	id   int
	mask EventKind
	fn   Func
}

// Collection is safe for concurrent use. Callbacks run on the caller's goroutine and must
// not block.
type Collection struct {
	mu      sync.RWMutex
	nextID  int
	entries []entry
}

func New() *Collection {
	return &Collection{}
}

// Add registers fn for every kind in mask and returns a handle for Remove.
func (c *Collection) Add(mask EventKind, fn Func) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.entries = append(c.entries, entry{id: c.nextID, mask: mask, fn: fn})
	return c.nextID
}

func (c *Collection) Remove(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.entries {
		if e.id == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Call invokes every callback whose mask includes ev.Kind and returns how many ran.
func (c *Collection) Call(ev Event) int {
	c.mu.RLock()
	var fns []Func
	for _, e := range c.entries {
		if e.mask&ev.Kind != 0 {
			fns = append(fns, e.fn)
		}
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	return len(fns)
}
