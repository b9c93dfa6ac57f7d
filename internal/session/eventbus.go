package session

import (
	"sync"
	"time"
)

// EventType classifies a change notification.
type EventType string

const (
	EventConnectionChanged EventType = "connection_changed"
	EventNodeChanged       EventType = "node_changed"
	EventMessageStatus     EventType = "message_status"
	EventDataReceived      EventType = "data_received"
)

// Event is the JSON-serialisable envelope delivered to subscribers. Data is
// a ConnectionStatus, a *mesh.NodeRecord or a *mesh.Message, always a copy.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ConnectionStatus is the payload of EventConnectionChanged.
type ConnectionStatus struct {
	State         string `json:"state"`
	DatabaseReady bool   `json:"database_ready"`
	Nodes         int    `json:"nodes"`
	Online        int    `json:"online"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch chan Event
}

// EventBus fans session events out to all subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event and can catch
// up through the read API.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Slow consumer, drop.
		}
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
