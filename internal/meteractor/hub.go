package meteractor

import (
	"sync"
	"time"
)

// Event is a debounced notification fanned out to an actor's debug-UI
// subscribers.
type Event struct {
	Type        string
	FeatureSlug string
	Allowed     bool
	At          time.Time
}

// Hub is a small per-actor fan-out broadcaster: a set of subscriber
// channels, non-blocking send, closed on actor shutdown. Publishes are
// debounced to at most one message per second per actor.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	lastSent    time.Time
	pendingSet  bool
	closed      bool
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener and returns an unsubscribe func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish fans event out to every subscriber, coalescing bursts within
// the same second: the first publish inside the debounce window schedules
// a single trailing delivery of that event, and later publishes in the
// same window are dropped.
func (h *Hub) Publish(event Event) {
	event.At = time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if wait := time.Second - time.Since(h.lastSent); wait > 0 {
		if !h.pendingSet {
			h.pendingSet = true
			time.AfterFunc(wait, func() { h.flushPending(event) })
		}
		return
	}
	h.lastSent = event.At
	h.broadcastLocked(event)
}

func (h *Hub) flushPending(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingSet = false
	if h.closed {
		return
	}
	h.lastSent = time.Now()
	h.broadcastLocked(event)
}

func (h *Hub) broadcastLocked(event Event) {
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is slow; drop rather than block the actor's turn.
		}
	}
}

// Close tears down every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = nil
}
