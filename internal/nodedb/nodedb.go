// Package nodedb implements the node database: node records keyed by node
// number, a secondary index by external id, and merge-update semantics.
//
// A DB is not safe for concurrent use. The session owns it and serialises
// every access behind its own lock.
package nodedb

import (
	"fmt"
	"sort"
	"time"

	"github.com/meshcommons/meshlink/internal/mesh"
)

// DefaultOnlineWindow is how recently a node must have been heard to count
// as online when no window is configured.
const DefaultOnlineWindow = 15 * time.Minute

// DB maps node numbers to records.
type DB struct {
	nodes        map[uint32]*mesh.NodeRecord
	byID         map[string]uint32
	onlineWindow time.Duration
	now          func() time.Time
}

// New returns an empty DB. A non-positive window selects DefaultOnlineWindow;
// a nil clock selects time.Now.
func New(onlineWindow time.Duration, now func() time.Time) *DB {
	if onlineWindow <= 0 {
		onlineWindow = DefaultOnlineWindow
	}
	if now == nil {
		now = time.Now
	}
	return &DB{
		nodes:        make(map[uint32]*mesh.NodeRecord),
		byID:         make(map[string]uint32),
		onlineWindow: onlineWindow,
		now:          now,
	}
}

// SetOnlineWindow changes the recency window used by CountOnline.
func (db *DB) SetOnlineWindow(d time.Duration) {
	if d > 0 {
		db.onlineWindow = d
	}
}

// ── Lookups ───────────────────────────────────────────────────────────────

// GetOrCreate returns the record for num, creating an empty one if needed.
func (db *DB) GetOrCreate(num uint32) *mesh.NodeRecord {
	n, ok := db.nodes[num]
	if !ok {
		n = &mesh.NodeRecord{Num: num}
		db.nodes[num] = n
	}
	return n
}

// Get returns the record for num.
func (db *DB) Get(num uint32) (*mesh.NodeRecord, error) {
	n, ok := db.nodes[num]
	if !ok {
		return nil, fmt.Errorf("nodedb: node %d: %w", num, mesh.ErrNotFound)
	}
	return n, nil
}

// FindByExternalID resolves id through the secondary index.
func (db *DB) FindByExternalID(id string) (*mesh.NodeRecord, error) {
	num, ok := db.byID[id]
	if !ok {
		return nil, fmt.Errorf("nodedb: node %q: %w", id, mesh.ErrNotFound)
	}
	n, ok := db.nodes[num]
	if !ok {
		panic(fmt.Sprintf("nodedb: index entry %q points at missing node %d", id, num))
	}
	return n, nil
}

// ExternalID returns the external id of num.
func (db *DB) ExternalID(num uint32) (string, error) {
	n, ok := db.nodes[num]
	if !ok || n.ExternalID() == "" {
		return "", fmt.Errorf("nodedb: external id for node %d: %w", num, mesh.ErrNotFound)
	}
	return n.ExternalID(), nil
}

// All returns copies of every record ordered by node number.
func (db *DB) All() []*mesh.NodeRecord {
	out := make([]*mesh.NodeRecord, 0, len(db.nodes))
	for _, n := range db.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// CountAll returns the number of known nodes.
func (db *DB) CountAll() int {
	return len(db.nodes)
}

// CountOnline returns the number of nodes heard within the online window.
func (db *DB) CountOnline() int {
	cutoff := db.now().Add(-db.onlineWindow)
	count := 0
	for _, n := range db.nodes {
		if !n.LastHeard.IsZero() && !n.LastHeard.Before(cutoff) {
			count++
		}
	}
	return count
}

// ── Merges ────────────────────────────────────────────────────────────────

// MergeIdentity updates the identity of num. An empty incoming external id
// keeps the existing one; names are always overwritten.
func (db *DB) MergeIdentity(num uint32, in mesh.Identity) *mesh.NodeRecord {
	n := db.GetOrCreate(num)
	oldID := n.ExternalID()
	id := in.ID
	if id == "" {
		id = oldID
	}
	n.User = &mesh.Identity{ID: id, LongName: in.LongName, ShortName: in.ShortName}
	db.reindex(n, oldID)
	return n
}

// MergePosition replaces the position of num and marks it heard at the
// position's time.
func (db *DB) MergePosition(num uint32, p mesh.Position) *mesh.NodeRecord {
	n := db.GetOrCreate(num)
	n.Position = &p
	db.touch(n, p.Time)
	return n
}

// TouchLastHeard records that num was heard at ts.
func (db *DB) TouchLastHeard(num uint32, ts time.Time) *mesh.NodeRecord {
	n := db.GetOrCreate(num)
	db.touch(n, ts)
	return n
}

// touch never moves last-heard backwards.
func (db *DB) touch(n *mesh.NodeRecord, ts time.Time) {
	if ts.After(n.LastHeard) {
		n.LastHeard = ts
	}
}

// InstallAll replaces the whole database. Used only by handshake commit and
// snapshot restore.
func (db *DB) InstallAll(records []*mesh.NodeRecord) {
	db.nodes = make(map[uint32]*mesh.NodeRecord, len(records))
	db.byID = make(map[string]uint32, len(records))
	for _, r := range records {
		n := r.Clone()
		oldID := ""
		if prev, ok := db.nodes[n.Num]; ok {
			oldID = prev.ExternalID()
		}
		db.nodes[n.Num] = n
		db.reindex(n, oldID)
	}
}

func (db *DB) reindex(n *mesh.NodeRecord, oldID string) {
	id := n.ExternalID()
	if oldID != "" && oldID != id {
		if db.byID[oldID] == n.Num {
			db.reclaim(oldID, n.Num)
		}
	}
	if id == "" {
		return
	}
	// Last writer wins when two node numbers claim the same id.
	db.byID[id] = n.Num
}

// reclaim points id at the lowest-numbered other record still carrying it,
// or drops it from the index when none does.
func (db *DB) reclaim(id string, released uint32) {
	delete(db.byID, id)
	found := false
	var owner uint32
	for num, n := range db.nodes {
		if num == released || n.ExternalID() != id {
			continue
		}
		if !found || num < owner {
			owner, found = num, true
		}
	}
	if found {
		db.byID[id] = owner
	}
}
