package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshcommons/meshlink/internal/mesh"
)

// Loopback is an in-memory Transport. The other end (a simulated radio)
// injects events with Inject and reads what the session wrote from Sent.
type Loopback struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	events    chan Event
	sent      chan []byte
}

// NewLoopback creates a Loopback with buffered event and frame queues.
func NewLoopback(buffer int) *Loopback {
	return &Loopback{
		events: make(chan Event, buffer),
		sent:   make(chan []byte, buffer),
	}
}

// Start is a no-op; the link comes up when LinkConnected is injected.
func (l *Loopback) Start(context.Context) error { return nil }

// SendFrame queues frame for the simulated radio.
func (l *Loopback) SendFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return fmt.Errorf("transport: loopback: %w", mesh.ErrNotConnected)
	}
	select {
	case l.sent <- append([]byte(nil), frame...):
		return nil
	default:
		return fmt.Errorf("transport: loopback: radio queue full: %w", mesh.ErrNotConnected)
	}
}

// Events returns the inbound stream.
func (l *Loopback) Events() <-chan Event { return l.events }

// Sent returns frames written by the session, in order.
func (l *Loopback) Sent() <-chan []byte { return l.sent }

// Inject delivers ev to the session side, tracking connectivity so
// SendFrame fails while the simulated link is down. It blocks while the
// event buffer is full.
func (l *Loopback) Inject(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if ev.Kind == EventConnectivity {
		l.connected = ev.Link == LinkConnected
	}
	l.events <- ev
}

// Close emits LinkDisconnected if there is room and closes the stream.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.connected = false
	select {
	case l.events <- ConnectivityEvent(LinkDisconnected):
	default:
	}
	close(l.events)
	return nil
}
