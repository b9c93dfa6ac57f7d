package session

import (
	"fmt"
	"math"
	"time"

	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/proto"
)

// Conversions between wire messages and the mesh data model.

const degreeScale = 1e7

func unixTime(sec uint32) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func unixSeconds(t time.Time) uint32 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint32(t.Unix())
}

func identityFromUser(u *proto.User) mesh.Identity {
	return mesh.Identity{ID: u.ID, LongName: u.LongName, ShortName: u.ShortName}
}

func positionFromProto(p *proto.Position) mesh.Position {
	return mesh.Position{
		Latitude:  float64(p.LatitudeI) / degreeScale,
		Longitude: float64(p.LongitudeI) / degreeScale,
		Altitude:  p.Altitude,
		Time:      unixTime(p.Time),
	}
}

func positionToProto(p mesh.Position) *proto.Position {
	return &proto.Position{
		LatitudeI:  int32(math.Round(p.Latitude * degreeScale)),
		LongitudeI: int32(math.Round(p.Longitude * degreeScale)),
		Altitude:   p.Altitude,
		Time:       unixSeconds(p.Time),
	}
}

func nodeRecordFromInfo(info *proto.NodeInfo) *mesh.NodeRecord {
	n := &mesh.NodeRecord{Num: info.Num, LastHeard: unixTime(info.LastHeard)}
	if info.User != nil {
		id := identityFromUser(info.User)
		n.User = &id
	}
	if info.Position != nil {
		p := positionFromProto(info.Position)
		n.Position = &p
	}
	return n
}

func dataTypeFromProto(t proto.DataType) mesh.DataType {
	switch t {
	case proto.DataClearText:
		return mesh.DataClearText
	case proto.DataClearReadAck:
		return mesh.DataClearReadAck
	case proto.DataOpaque:
		return mesh.DataOpaque
	default:
		return mesh.DataType(t)
	}
}

func dataTypeToProto(t mesh.DataType) proto.DataType {
	switch t {
	case mesh.DataClearText:
		return proto.DataClearText
	case mesh.DataClearReadAck:
		return proto.DataClearReadAck
	default:
		return proto.DataOpaque
	}
}

// toMessage converts a received data packet. Both endpoints must have a
// known external id; broadcast destinations map to mesh.BroadcastID.
func (s *Session) toMessage(p *proto.MeshPacket) (*mesh.Message, error) {
	from, err := s.nodes.ExternalID(p.From)
	if err != nil || from == "" {
		return nil, fmt.Errorf("session: sender %d: %w", p.From, mesh.ErrNotFound)
	}
	to := mesh.BroadcastID
	if p.To != mesh.BroadcastNum {
		to, err = s.nodes.ExternalID(p.To)
		if err != nil || to == "" {
			return nil, fmt.Errorf("session: destination %d: %w", p.To, mesh.ErrNotFound)
		}
	}
	ts := unixTime(p.RxTime)
	if ts.IsZero() {
		ts = s.now()
	}
	d := p.Decoded.Data
	return &mesh.Message{
		From:     from,
		To:       to,
		Time:     ts,
		ID:       p.ID,
		DataType: dataTypeFromProto(d.Type),
		Payload:  append([]byte(nil), d.Payload...),
		Status:   mesh.StatusReceived,
	}, nil
}

// toMeshPacket builds the wire packet for an outbound message.
func (s *Session) toMeshPacket(m *mesh.Message) (*proto.MeshPacket, error) {
	to := mesh.BroadcastNum
	if m.To != mesh.BroadcastID {
		n, err := s.nodes.FindByExternalID(m.To)
		if err != nil {
			return nil, fmt.Errorf("session: destination %q: %w", m.To, err)
		}
		to = n.Num
	}
	return &proto.MeshPacket{
		From: s.identity.NodeNum,
		To:   to,
		ID:   m.ID,
		Decoded: &proto.SubPacket{
			Data: &proto.Data{
				Type:    dataTypeToProto(m.DataType),
				Payload: m.Payload,
			},
		},
		WantAck: to != mesh.BroadcastNum,
	}, nil
}
