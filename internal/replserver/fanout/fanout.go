// Package fanout implements the replication server's subscriber
// broadcast layer (spec.md §4.5, §5): per-resource sets of bounded
// per-subscriber queues. A broadcast is non-blocking — for a subscriber
// that cannot keep up, the frame is dropped and the subscriber is
// marked lagged rather than stalling every other subscriber of the
// same resource.
package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/loomsync/loom/internal/version"
)

// Frame is one tail update delivered to a subscriber: either the
// resource's full value (a snapshot, sent on first connect or after a
// lag recovery) or an incremental patch set.
type Frame struct {
	Version     []version.ID
	MergeType   string
	ContentType string
	Body        []byte
	IsSnapshot  bool
	// Status is 0 for a normal frame, or 309 for a reborn notice (spec.md
	// §4.5, §6): the subscriber must drop its local state and resubscribe.
	Status int
}

// Subscriber is one open subscription (spec.md §4.5 "GET with
// Subscribe: true"). Frames arrive on Frames(); Lagged reports whether
// the queue overflowed and the subscriber must be resynced with a full
// snapshot before it can resume tailing patches.
type Subscriber struct {
	id     uint64
	path   string
	ch     chan Frame
	lagged atomic.Bool
}

// Frames returns the channel frames are delivered on. It is closed when
// the subscriber is unregistered.
func (s *Subscriber) Frames() <-chan Frame {
	return s.ch
}

// Lagged reports whether this subscriber missed at least one frame
// because its queue was full. Once true, the caller must send a fresh
// snapshot frame before resuming normal delivery; Hub does not clear
// this flag automatically — ClearLag does, once the caller has acted on it.
func (s *Subscriber) Lagged() bool {
	return s.lagged.Load()
}

// ClearLag resets the lagged flag after the caller has sent a recovery snapshot.
func (s *Subscriber) ClearLag() {
	s.lagged.Store(false)
}

// Hub tracks subscribers grouped by resource path.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscriber]struct{}
	queueSize int
	nextID    atomic.Uint64
}

// New returns a Hub whose per-subscriber queues hold queueSize frames
// before a subscriber is marked lagged.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Hub{subs: map[string]map[*Subscriber]struct{}{}, queueSize: queueSize}
}

// Subscribe registers a new subscriber for path and returns its handle.
func (h *Hub) Subscribe(path string) *Subscriber {
	sub := &Subscriber{
		id:   h.nextID.Add(1),
		path: path,
		ch:   make(chan Frame, h.queueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[path] == nil {
		h.subs[path] = map[*Subscriber]struct{}{}
	}
	h.subs[path][sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. Per spec.md §3
// "Ownership": disconnection removes the handle with no effect on the
// resource itself.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.path]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(h.subs, sub.path)
		}
	}
}

// Broadcast delivers f to every subscriber of path. A subscriber whose
// queue is full is marked lagged and the frame is dropped for it; the
// caller (the replication server's write pipeline) is expected to push
// a recovery snapshot the next time that subscriber's connection drains.
func (h *Hub) Broadcast(path string, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[path] {
		select {
		case sub.ch <- f:
		default:
			sub.lagged.Store(true)
		}
	}
}

// Count returns the number of subscribers currently tracked for path.
func (h *Hub) Count(path string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[path])
}
