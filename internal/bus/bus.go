// Package bus is an in-process topic registry for live reply notifications.
// Topics are keyed by root-comment id and exist only while at least one
// subscriber is attached; there is no backlog and no replay.
package bus

import "sync"

// Event is the payload fanned out to subscribers of a topic.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleBuffer bounds how far one subscriber may fall behind before it
// starts losing events; publishing never blocks on a slow consumer.
const handleBuffer = 16

// Handle is one connected subscriber's delivery channel on a single topic.
type Handle struct {
	topic string
	ch    chan Event
}

// Events is the subscriber's delivery channel. It is closed on unsubscribe.
func (h *Handle) Events() <-chan Event {
	return h.ch
}

// Topic returns the topic this handle is attached to.
func (h *Handle) Topic() string {
	return h.topic
}

type topic struct {
	mu   sync.Mutex
	subs map[*Handle]struct{}
}

// Bus routes published events to the handles subscribed to the same topic
// at the moment of publish. Independent topics do not contend: the registry
// lock is only held to find or create a topic, delivery serializes on the
// topic's own lock.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Subscribe attaches a new handle to the topic, creating the topic if this
// is its first subscriber.
func (b *Bus) Subscribe(name string) *Handle {
	handle := &Handle{topic: name, ch: make(chan Event, handleBuffer)}

	// membership is added while still holding the registry lock so the
	// topic cannot be reaped between creation and first subscription
	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Handle]struct{})}
		b.topics[name] = t
	}
	t.mu.Lock()
	t.subs[handle] = struct{}{}
	t.mu.Unlock()
	b.mu.Unlock()
	return handle
}

// Unsubscribe detaches the handle and closes its channel. It is idempotent:
// detaching an already-detached or never-attached handle is a no-op. The
// last unsubscribe removes the topic from the registry.
func (b *Bus) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[handle.topic]
	if !ok {
		return
	}

	t.mu.Lock()
	if _, subscribed := t.subs[handle]; subscribed {
		delete(t.subs, handle)
		close(handle.ch)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(b.topics, handle.topic)
	}
}

// Publish delivers the event to every handle subscribed to the topic right
// now and returns how many received it. A topic with no subscribers drops
// the event. Delivery is at most once per handle: a full delivery buffer
// loses the event rather than blocking the publisher.
func (b *Bus) Publish(name string, event Event) int {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delivered := 0
	for handle := range t.subs {
		select {
		case handle.ch <- event:
			delivered++
		default:
			// subscriber too far behind, drop
		}
	}
	return delivered
}

// Subscribers reports the current membership of a topic.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
