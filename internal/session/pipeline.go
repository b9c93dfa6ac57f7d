package session

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/proto"
)

// ── Receive ───────────────────────────────────────────────────────────────

// receivePacket applies a mesh packet, or holds it until the database is
// ready. Callers hold s.mu.
func (s *Session) receivePacket(p *proto.MeshPacket) {
	if !s.ready {
		if len(s.early) >= s.cfg.MaxEarlyPackets {
			s.metrics.Dropped.WithLabelValues("early_overflow").Inc()
			s.log.Warn("early packet buffer full, dropping",
				zap.Uint32("id", p.ID), zap.Int("limit", s.cfg.MaxEarlyPackets))
			return
		}
		s.early = append(s.early, p)
		return
	}
	s.processPacket(p)
}

func (s *Session) processPacket(p *proto.MeshPacket) {
	sub := p.Decoded
	if sub == nil {
		s.log.Debug("ignoring packet without decoded payload", zap.Uint32("id", p.ID))
		return
	}
	now := s.now()

	// Anything from the radio proves the local node is alive.
	if s.identity != nil {
		s.nodes.TouchLastHeard(s.identity.NodeNum, now)
	}

	var sender *mesh.NodeRecord
	if sub.Position != nil {
		pos := positionFromProto(sub.Position)
		if pos.Time.IsZero() {
			pos.Time = now
		}
		sender = s.nodes.MergePosition(p.From, pos)
	} else {
		rx := unixTime(p.RxTime)
		if rx.IsZero() {
			rx = now
		}
		sender = s.nodes.TouchLastHeard(p.From, rx)
	}
	s.publishNode(sender)

	switch sub.Kind() {
	case proto.KindData:
		s.receiveData(p)
	case proto.KindIdentity:
		n := s.nodes.MergeIdentity(p.From, identityFromUser(sub.User))
		s.publishNode(n)
	case proto.KindPosition, proto.KindAckNak:
	default:
		s.log.Debug("ignoring packet payload",
			zap.Uint32("id", p.ID),
			zap.Int32("variant", int32(sub.UnknownVariant)))
	}

	if sub.SuccessID != 0 {
		s.resolve(sub.SuccessID, true)
	}
	if sub.FailID != 0 {
		s.resolve(sub.FailID, false)
	}
	s.updateNodeGauges()
}

func (s *Session) receiveData(p *proto.MeshPacket) {
	if s.identity != nil && p.From == s.identity.NodeNum {
		s.log.Debug("ignoring echo of own packet", zap.Uint32("id", p.ID))
		return
	}
	m, err := s.toMessage(p)
	if err != nil {
		s.metrics.Dropped.WithLabelValues("unknown_node").Inc()
		s.log.Warn("dropping data packet", zap.Uint32("id", p.ID), zap.Error(err))
		return
	}
	switch m.DataType {
	case mesh.DataClearText, mesh.DataOpaque:
		s.history.add(m)
		s.publishData(m)
	case mesh.DataClearReadAck:
		s.log.Warn("read acks are not supported, dropping", zap.String("from", m.From))
	default:
		s.log.Warn("unknown data type, dropping",
			zap.String("from", m.From), zap.Stringer("type", m.DataType))
	}
}

// flushEarly replays packets that arrived before the database was ready.
func (s *Session) flushEarly() {
	pending := s.early
	s.early = nil
	if len(pending) > 0 {
		s.log.Debug("replaying early packets", zap.Int("count", len(pending)))
	}
	for _, p := range pending {
		s.processPacket(p)
	}
}

// ── Send ──────────────────────────────────────────────────────────────────

var (
	// ErrPacketIDInUse is returned when a caller-chosen packet id is already
	// tracked for another message.
	ErrPacketIDInUse = errors.New("packet id in use")
	// ErrPacketIDsExhausted is returned when every id in the radio's packet
	// id space is tracked.
	ErrPacketIDsExhausted = errors.New("packet id space exhausted")
)

// Send submits a message for delivery and returns a copy reflecting its new
// status. A message that cannot go out now is Queued and retried when the
// radio is connected and ready; that is not an error.
func (s *Session) Send(ctx context.Context, m *mesh.Message) (*mesh.Message, error) {
	_, span := s.tracer.Start(ctx, "session.send")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := m.Clone()
	msg.Status = mesh.StatusUnknown
	s.history.add(msg)

	if err := s.dispatch(msg); err != nil {
		span.RecordError(err)
		return msg.Clone(), err
	}
	span.SetAttributes(
		attribute.Int64("meshlink.packet_id", int64(msg.ID)),
		attribute.String("meshlink.status", msg.Status.String()))
	return msg.Clone(), nil
}

// dispatch hands msg to the radio or queues it. msg is already in history.
func (s *Session) dispatch(msg *mesh.Message) error {
	if err := s.assignID(msg); err != nil {
		msg.Status = mesh.StatusError
		s.metrics.Sends.WithLabelValues("error").Inc()
		s.publishStatus(msg)
		return err
	}

	if s.state != mesh.Connected || !s.ready {
		s.enqueue(msg)
		return nil
	}

	pkt, err := s.toMeshPacket(msg)
	if err != nil {
		s.tracker.take(msg.ID)
		msg.Status = mesh.StatusError
		s.metrics.Sends.WithLabelValues("error").Inc()
		s.publishStatus(msg)
		return err
	}
	if err := s.sendToRadio(&proto.ToRadio{Packet: pkt}); err != nil {
		if !errors.Is(err, mesh.ErrNotConnected) {
			s.log.Warn("send to radio failed, queueing", zap.Uint32("id", msg.ID), zap.Error(err))
		}
		s.enqueue(msg)
		return nil
	}
	msg.Time = s.now()
	msg.Status = mesh.StatusEnroute
	s.metrics.Sends.WithLabelValues("enroute").Inc()
	s.metrics.InFlight.Set(float64(s.tracker.len()))
	s.publishStatus(msg)
	return nil
}

// assignID gives msg a packet id and starts tracking it once the local
// identity is known. It also substitutes the local sender id. A tracked id
// belongs to exactly one message.
func (s *Session) assignID(msg *mesh.Message) error {
	if held, ok := s.tracker.get(msg.ID); ok && held == msg {
		return nil
	}
	s.sweep()
	if s.identity != nil {
		if msg.From == mesh.LocalID || msg.From == "" {
			if id, err := s.nodes.ExternalID(s.identity.NodeNum); err == nil && id != "" {
				msg.From = id
			}
		}
		if msg.ID == 0 {
			id, err := s.freeID()
			if err != nil {
				return err
			}
			msg.ID = id
		}
	}
	if msg.ID == 0 {
		return nil
	}
	if s.tracker.contains(msg.ID) {
		return fmt.Errorf("session: packet id %d: %w", msg.ID, ErrPacketIDInUse)
	}
	s.tracker.add(msg)
	return nil
}

// freeID returns the next generated id not held by the tracker.
func (s *Session) freeID() (uint32, error) {
	for range idSpace(s.identity.PacketIDBits) {
		if id := s.ids.next(s.identity, s.random); !s.tracker.contains(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("session: %d messages tracked: %w", s.tracker.len(), ErrPacketIDsExhausted)
}

func (s *Session) enqueue(msg *mesh.Message) {
	msg.Status = mesh.StatusQueued
	s.offline = append(s.offline, msg)
	s.metrics.Sends.WithLabelValues("queued").Inc()
	s.publishStatus(msg)
}

// flushOffline retries queued messages in submission order.
func (s *Session) flushOffline() {
	pending := s.offline
	s.offline = nil
	if len(pending) > 0 {
		s.log.Info("sending queued messages", zap.Int("count", len(pending)))
	}
	for _, m := range pending {
		// Resolved by an ack or nak while queued.
		if m.Status.Terminal() {
			continue
		}
		if err := s.dispatch(m); err != nil {
			s.log.Warn("queued message failed", zap.Uint32("id", m.ID), zap.Error(err))
		}
	}
}

// SendPosition broadcasts the local node's position.
func (s *Session) SendPosition(ctx context.Context, pos mesh.Position) error {
	_, span := s.tracer.Start(ctx, "session.send_position")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != mesh.Connected {
		return fmt.Errorf("session: send position: %w", mesh.ErrNotConnected)
	}
	if !s.ready {
		return fmt.Errorf("session: send position: %w", mesh.ErrHandshakeIncomplete)
	}
	if pos.Time.IsZero() {
		pos.Time = s.now()
	}
	pkt := &proto.MeshPacket{
		From:    s.identity.NodeNum,
		To:      mesh.BroadcastNum,
		Decoded: &proto.SubPacket{Position: positionToProto(pos)},
	}
	if err := s.sendToRadio(&proto.ToRadio{Packet: pkt}); err != nil {
		return fmt.Errorf("session: send position: %w", err)
	}
	s.publishNode(s.nodes.MergePosition(s.identity.NodeNum, pos))
	return nil
}

// ── Resolution ────────────────────────────────────────────────────────────

// resolve moves a tracked message to Delivered or Error.
func (s *Session) resolve(id uint32, delivered bool) {
	m, ok := s.tracker.take(id)
	if !ok {
		s.log.Debug("ack for untracked packet", zap.Uint32("id", id), zap.Bool("delivered", delivered))
		return
	}
	result := "delivered"
	m.Status = mesh.StatusDelivered
	if !delivered {
		result = "error"
		m.Status = mesh.StatusError
	}
	s.metrics.Resolutions.WithLabelValues(result).Inc()
	s.metrics.InFlight.Set(float64(s.tracker.len()))
	s.publishStatus(m)
}

// Sweep fails every in-flight message older than the radio's message
// timeout and returns how many were failed.
func (s *Session) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep()
}

func (s *Session) sweep() int {
	timeout := s.cfg.DefaultMessageTimeout
	if s.identity != nil && s.identity.MessageTimeout > 0 {
		timeout = s.identity.MessageTimeout
	}
	expired := s.tracker.expired(s.now(), timeout)
	for _, m := range expired {
		s.tracker.take(m.ID)
		m.Status = mesh.StatusError
		s.metrics.Resolutions.WithLabelValues("timeout").Inc()
		s.log.Info("message timed out", zap.Uint32("id", m.ID), zap.String("to", m.To))
		s.publishStatus(m)
	}
	if len(expired) > 0 {
		s.metrics.InFlight.Set(float64(s.tracker.len()))
	}
	return len(expired)
}
