// Package transport provides the links to the radio. A Transport moves
// opaque frames and reports connectivity; it knows nothing about the
// protocol inside the frames.
package transport

import (
	"context"
	"time"
)

// Link is the connectivity reported by a transport.
type Link int

const (
	// LinkConnected: frames can flow.
	LinkConnected Link = iota
	// LinkSleeping: the link dropped but the device is expected back.
	LinkSleeping
	// LinkDisconnected: the link is gone for good (closed by us or the
	// device refused to come back).
	LinkDisconnected
)

func (l Link) String() string {
	switch l {
	case LinkConnected:
		return "connected"
	case LinkSleeping:
		return "sleeping"
	default:
		return "disconnected"
	}
}

// EventKind discriminates Event.
type EventKind int

const (
	EventConnectivity EventKind = iota
	EventFrame
)

// Event is one item of a transport's inbound stream. Consumers must handle
// events in the order received.
type Event struct {
	Kind  EventKind
	Link  Link   // EventConnectivity
	Frame []byte // EventFrame
	At    time.Time
}

// ConnectivityEvent builds a connectivity event stamped now.
func ConnectivityEvent(l Link) Event {
	return Event{Kind: EventConnectivity, Link: l, At: time.Now().UTC()}
}

// FrameEvent builds a frame event stamped now.
func FrameEvent(frame []byte) Event {
	return Event{Kind: EventFrame, Frame: frame, At: time.Now().UTC()}
}

// Transport is the abstraction over serial, TCP and test links.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Start begins connecting in the background. Events flow until Close.
	Start(ctx context.Context) error
	// SendFrame writes one frame. Fails with an error wrapping
	// mesh.ErrNotConnected while the link is down.
	SendFrame(frame []byte) error
	// Events returns the ordered inbound stream. Closed after Close.
	Events() <-chan Event
	// Close tears the link down and emits LinkDisconnected.
	Close() error
}
