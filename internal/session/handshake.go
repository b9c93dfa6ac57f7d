package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/proto"
)

// handshake stages the identity and node list the radio streams after a
// want_config request. Nothing staged is visible until commit.
type handshake struct {
	nonce    uint32
	identity *mesh.LocalIdentity
	nodes    []*proto.NodeInfo
	done     bool
}

// startHandshake asks the radio for its config under a fresh nonce. Any
// completion tagged with an older nonce is ignored from here on.
func (s *Session) startHandshake() error {
	s.hs = handshake{nonce: s.hs.nonce + 1}
	s.metrics.Handshakes.WithLabelValues("started").Inc()
	s.log.Debug("requesting radio config", zap.Uint32("nonce", s.hs.nonce))
	return s.sendToRadio(&proto.ToRadio{WantConfigID: s.hs.nonce})
}

func (s *Session) stageIdentity(info *proto.MyNodeInfo) {
	s.hs.identity = s.decorateIdentity(info)
	s.log.Debug("staged local identity",
		zap.Uint32("node", info.MyNodeNum),
		zap.String("firmware", info.FirmwareVersion))
}

func (s *Session) stageNodeInfo(info *proto.NodeInfo) {
	if len(s.hs.nodes) >= s.cfg.MaxHandshakeNodes {
		s.metrics.Dropped.WithLabelValues("handshake_overflow").Inc()
		s.log.Warn("radio sent more nodes than allowed, dropping",
			zap.Uint32("node", info.Num),
			zap.Int("limit", s.cfg.MaxHandshakeNodes),
			zap.Error(mesh.ErrProtocolViolation))
		return
	}
	s.hs.nodes = append(s.hs.nodes, info)
}

// decorateIdentity fills defaults and derives the update flags.
func (s *Session) decorateIdentity(info *proto.MyNodeInfo) *mesh.LocalIdentity {
	id := &mesh.LocalIdentity{
		NodeNum:         info.MyNodeNum,
		HasGPS:          info.HasGPS,
		Region:          info.Region,
		HWModel:         info.HWModel,
		FirmwareVersion: info.FirmwareVersion,
		PacketIDBits:    info.PacketIDBits,
		NodeNumBits:     info.NodeNumBits,
		CurrentPacketID: info.CurrentPacketID,
		MessageTimeout:  time.Duration(info.MessageTimeoutMsec) * time.Millisecond,
		MinAppVersion:   info.MinAppVersion,
	}
	if id.PacketIDBits == 0 {
		id.PacketIDBits = 8
	}
	if id.NodeNumBits == 0 {
		id.NodeNumBits = 8
	}
	if id.MessageTimeout == 0 {
		id.MessageTimeout = s.cfg.DefaultMessageTimeout
	}
	id.CouldUpdate = firmwareOlder(info.FirmwareVersion, s.cfg.LatestFirmware)
	id.ShouldUpdate = firmwareOlder(info.FirmwareVersion, s.cfg.MinFirmware)
	id.AppUpdateRequired = s.cfg.AppVersion != 0 && s.cfg.AppVersion < info.MinAppVersion
	return id
}

// firmwareOlder reports whether have is strictly older than want. Unparsable
// or empty versions never ask for an update.
func firmwareOlder(have, want string) bool {
	if have == "" || want == "" {
		return false
	}
	h, err := semver.NewVersion(strings.TrimPrefix(have, "v"))
	if err != nil {
		return false
	}
	w, err := semver.NewVersion(strings.TrimPrefix(want, "v"))
	if err != nil {
		return false
	}
	return h.LessThan(*w)
}

// completeHandshake commits the staged state if tag matches the current
// nonce and the radio sent everything needed.
func (s *Session) completeHandshake(ctx context.Context, tag uint32) {
	if tag != s.hs.nonce {
		s.metrics.Handshakes.WithLabelValues("stale").Inc()
		s.log.Debug("ignoring stale config complete",
			zap.Uint32("tag", tag), zap.Uint32("nonce", s.hs.nonce))
		return
	}
	if s.hs.done {
		s.log.Debug("ignoring duplicate config complete", zap.Uint32("tag", tag))
		return
	}
	if s.hs.identity == nil || len(s.hs.nodes) == 0 {
		s.metrics.Handshakes.WithLabelValues("incomplete").Inc()
		s.ready = false
		s.log.Error("config handshake incomplete",
			zap.Bool("have_identity", s.hs.identity != nil),
			zap.Int("nodes", len(s.hs.nodes)),
			zap.Error(mesh.ErrHandshakeIncomplete))
		s.hs = handshake{nonce: s.hs.nonce, done: true}
		return
	}
	s.commitHandshake(ctx)
}

func (s *Session) commitHandshake(ctx context.Context) {
	_, span := s.tracer.Start(ctx, "session.handshake.commit")
	defer span.End()

	records := make([]*mesh.NodeRecord, 0, len(s.hs.nodes))
	for _, info := range s.hs.nodes {
		records = append(records, nodeRecordFromInfo(info))
	}
	s.nodes.InstallAll(records)
	s.identity = s.hs.identity
	s.ready = true
	s.hs = handshake{nonce: s.hs.nonce, done: true}

	span.SetAttributes(
		attribute.Int("meshlink.nodes", len(records)),
		attribute.Int64("meshlink.node_num", int64(s.identity.NodeNum)))
	s.metrics.Handshakes.WithLabelValues("committed").Inc()
	s.log.Info("radio config committed",
		zap.Uint32("node", s.identity.NodeNum),
		zap.Int("nodes", len(records)),
		zap.String("firmware", s.identity.FirmwareVersion),
		zap.Bool("should_update", s.identity.ShouldUpdate))

	if !s.identity.HasGPS && s.locator != nil {
		s.locator.Start()
	}

	s.flushEarly()
	s.flushOffline()

	s.updateNodeGauges()
	s.publishConnection()
}

// SetOwner changes the local node's user identity on the radio.
func (s *Session) SetOwner(longName, shortName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != mesh.Connected {
		return fmt.Errorf("session: set owner: %w", mesh.ErrNotConnected)
	}
	if !s.ready {
		return fmt.Errorf("session: set owner: %w", mesh.ErrHandshakeIncomplete)
	}
	id, err := s.nodes.ExternalID(s.identity.NodeNum)
	if err != nil {
		return fmt.Errorf("session: set owner: %w", err)
	}
	user := &proto.User{ID: id, LongName: longName, ShortName: shortName}
	if err := s.sendToRadio(&proto.ToRadio{SetOwner: user}); err != nil {
		return fmt.Errorf("session: set owner: %w", err)
	}
	n := s.nodes.MergeIdentity(s.identity.NodeNum, identityFromUser(user))
	s.publishNode(n)
	return nil
}
