// Package mesh holds the data model shared by the session layer: connection
// state, the local radio's identity, node records and application messages.
package mesh

import (
	"fmt"
	"time"
)

const (
	// BroadcastID addresses every node on the mesh.
	BroadcastID = "^all"
	// LocalID is substituted with the local node's external id on send.
	LocalID = "^local"
	// BroadcastNum is the wire-level node number for BroadcastID.
	BroadcastNum uint32 = 0xffffffff
)

// ConnectionState describes the link to the radio as seen by the session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
	Sleeping
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Sleeping:
		return "sleeping"
	default:
		return "disconnected"
	}
}

// LocalIdentity describes the radio this session talks to. It is replaced
// only by a successful config handshake and is read-only in between.
type LocalIdentity struct {
	NodeNum         uint32        `json:"node_num"`
	HasGPS          bool          `json:"has_gps"`
	Region          string        `json:"region"`
	HWModel         string        `json:"hw_model"`
	FirmwareVersion string        `json:"firmware_version"`
	PacketIDBits    uint32        `json:"packet_id_bits"`
	NodeNumBits     uint32        `json:"node_num_bits"`
	CurrentPacketID uint32        `json:"current_packet_id"`
	MessageTimeout  time.Duration `json:"message_timeout"`
	MinAppVersion   uint32        `json:"min_app_version"`

	// Derived at handshake time.
	CouldUpdate       bool `json:"could_update"`
	ShouldUpdate      bool `json:"should_update"`
	AppUpdateRequired bool `json:"app_update_required"`
}

// Identity is the user-facing description a node broadcasts about itself.
type Identity struct {
	ID        string `json:"id"`
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
}

// Position is a GPS fix. Position has no partial-merge semantics.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  int32     `json:"altitude"`
	Time      time.Time `json:"time"`
}

// NodeRecord is everything known about one node. Num never changes once
// the record exists.
type NodeRecord struct {
	Num       uint32    `json:"num"`
	User      *Identity `json:"user,omitempty"`
	Position  *Position `json:"position,omitempty"`
	LastHeard time.Time `json:"last_heard"`
}

// ExternalID returns the node's string id, or "" if no identity is known.
func (n *NodeRecord) ExternalID() string {
	if n.User == nil {
		return ""
	}
	return n.User.ID
}

// Clone returns a deep copy safe to hand outside the session.
func (n *NodeRecord) Clone() *NodeRecord {
	c := &NodeRecord{Num: n.Num, LastHeard: n.LastHeard}
	if n.User != nil {
		u := *n.User
		c.User = &u
	}
	if n.Position != nil {
		p := *n.Position
		c.Position = &p
	}
	return c
}

// DataType tags the payload of a Message.
type DataType int

const (
	DataOpaque DataType = iota
	DataClearText
	DataClearReadAck
)

func (d DataType) String() string {
	switch d {
	case DataOpaque:
		return "opaque"
	case DataClearText:
		return "text"
	case DataClearReadAck:
		return "read_ack"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// MessageStatus is the delivery state of a Message. Outbound messages move
// forward through Queued, Enroute and then Delivered or Error.
type MessageStatus int

const (
	StatusUnknown MessageStatus = iota
	StatusReceived
	StatusQueued
	StatusEnroute
	StatusDelivered
	StatusError
)

func (s MessageStatus) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusQueued:
		return "queued"
	case StatusEnroute:
		return "enroute"
	case StatusDelivered:
		return "delivered"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s MessageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name; unknown names decode as StatusUnknown.
func (s *MessageStatus) UnmarshalText(b []byte) error {
	*s = StatusUnknown
	for c := StatusReceived; c <= StatusError; c++ {
		if c.String() == string(b) {
			*s = c
		}
	}
	return nil
}

// Terminal reports whether no further transition is expected.
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusError
}

// Message is the application-level view of a data packet. One packet id maps
// to one Message while it is tracked.
type Message struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	Time     time.Time     `json:"time"`
	ID       uint32        `json:"id"`
	DataType DataType      `json:"data_type"`
	Payload  []byte        `json:"payload"`
	Status   MessageStatus `json:"status"`
}

// NewTextMessage builds a clear-text message from the local node.
func NewTextMessage(to, text string) *Message {
	return &Message{
		From:     LocalID,
		To:       to,
		DataType: DataClearText,
		Payload:  []byte(text),
	}
}

// Text returns the payload as a string for clear-text messages.
func (m *Message) Text() (string, bool) {
	if m.DataType != DataClearText {
		return "", false
	}
	return string(m.Payload), true
}

// Clone copies the message so observers never alias tracked state.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	return &c
}

// Snapshot is the state handed to and from persistence: the local identity,
// every node record and the recent message history (oldest first).
type Snapshot struct {
	Identity *LocalIdentity `json:"identity,omitempty"`
	Nodes    []*NodeRecord  `json:"nodes"`
	History  []*Message     `json:"history"`
}
