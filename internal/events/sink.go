package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// subscriberQueueSize bounds the number of pending notifications buffered
// per subscriber before the oldest pending one is dropped to make room
// for the newest. This never drops events from the log itself — only
// from a slow subscriber's notification queue.
const subscriberQueueSize = 256

// notifier delivers ThreadEvents to a single Handler on its own dispatch
// routine, so a slow or blocking handler cannot stall Store.Append.
type notifier struct {
	handler Handler

	mu      sync.Mutex
	pending []ThreadEvent
	signal  chan struct{}
	closed  bool
	dropped atomic.Uint64
}

func newNotifier(handler Handler) *notifier {
	n := &notifier{
		handler: handler,
		signal:  make(chan struct{}, 1),
	}
	go n.run()
	return n
}

// notify enqueues event for delivery. If the queue is already at
// capacity, the oldest pending event is dropped (and logged) to make
// room — delivery order for surviving notifications is preserved.
func (n *notifier) notify(event ThreadEvent) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if len(n.pending) >= subscriberQueueSize {
		dropped := n.pending[0]
		n.pending = n.pending[1:]
		n.dropped.Add(1)
		slog.Warn("events: dropping oldest pending notification under backpressure",
			"threadId", dropped.ThreadID, "droppedEventId", dropped.ID, "newEventId", event.ID)
	}
	n.pending = append(n.pending, event)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for range n.signal {
		for {
			n.mu.Lock()
			if len(n.pending) == 0 {
				n.mu.Unlock()
				break
			}
			next := n.pending[0]
			n.pending = n.pending[1:]
			n.mu.Unlock()
			n.handler(next)
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	close(n.signal)
}

// DroppedNotifications returns the count of notifications dropped under
// backpressure for this subscriber, for diagnostics/tests.
func (n *notifier) DroppedNotifications() uint64 {
	return n.dropped.Load()
}

// hub fans an appended event out to every subscriber of its thread.
type hub struct {
	mu   sync.Mutex
	subs map[ThreadID]map[*notifier]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[ThreadID]map[*notifier]struct{})}
}

func (h *hub) subscribe(threadID ThreadID, handler Handler) func() {
	n := newNotifier(handler)
	h.mu.Lock()
	if h.subs[threadID] == nil {
		h.subs[threadID] = make(map[*notifier]struct{})
	}
	h.subs[threadID][n] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs[threadID], n)
		h.mu.Unlock()
		n.close()
	}
}

func (h *hub) publish(event ThreadEvent) {
	h.mu.Lock()
	subs := make([]*notifier, 0, len(h.subs[event.ThreadID]))
	for n := range h.subs[event.ThreadID] {
		subs = append(subs, n)
	}
	h.mu.Unlock()

	for _, n := range subs {
		n.notify(event)
	}
}
