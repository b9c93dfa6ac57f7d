package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/mesh"
)

// ErrDatabaseLive is returned when a snapshot would overwrite a database
// that a handshake has already committed.
var ErrDatabaseLive = errors.New("session: node database already committed")

// ExportSnapshot returns a deep copy of the persistent state.
func (s *Session) ExportSnapshot() *mesh.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exportSnapshot()
}

func (s *Session) exportSnapshot() *mesh.Snapshot {
	snap := &mesh.Snapshot{
		Nodes:   s.nodes.All(),
		History: s.history.list(),
	}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	return snap
}

// InstallSnapshot restores state saved by a previous run. It is refused once
// a handshake has committed and never marks the database ready.
func (s *Session) InstallSnapshot(snap *mesh.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return ErrDatabaseLive
	}
	if snap.Identity != nil {
		id := *snap.Identity
		s.identity = &id
	}
	s.nodes.InstallAll(snap.Nodes)
	s.history.replace(snap.History)
	s.updateNodeGauges()
	s.log.Info("restored snapshot",
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("messages", len(snap.History)),
		zap.Bool("have_identity", snap.Identity != nil))
	return nil
}
