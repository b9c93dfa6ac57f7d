// Package store persists session snapshots in SQLite (WAL mode): the local
// radio identity, the node database and the recent message history.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/meshcommons/meshlink/internal/mesh"
)

// DB wraps *sql.DB with snapshot helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL still allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlIdentity,
		ddlNodes,
		ddlMessages,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── Snapshots ─────────────────────────────────────────────────────────────

// SaveSnapshot replaces the stored snapshot with snap in one transaction.
func (db *DB) SaveSnapshot(snap *mesh.Snapshot) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range []string{`DELETE FROM identity`, `DELETE FROM nodes`, `DELETE FROM messages`} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: clear: %w", err)
		}
	}

	if snap.Identity != nil {
		blob, err := json.Marshal(snap.Identity)
		if err != nil {
			return fmt.Errorf("store: encode identity: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO identity (id, node_num, body) VALUES (1, ?, ?)`,
			snap.Identity.NodeNum, blob); err != nil {
			return fmt.Errorf("store: insert identity: %w", err)
		}
	}

	nodeStmt, err := tx.Prepare(`
		INSERT INTO nodes (num, external_id, long_name, short_name,
		                   has_position, latitude, longitude, altitude, position_time, last_heard)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare nodes: %w", err)
	}
	defer nodeStmt.Close()
	for _, n := range snap.Nodes {
		var r nodeRow
		r.fromRecord(n)
		if _, err := nodeStmt.Exec(r.num, r.externalID, r.longName, r.shortName,
			r.hasPosition, r.latitude, r.longitude, r.altitude, r.positionTime, r.lastHeard); err != nil {
			return fmt.Errorf("store: insert node %d: %w", n.Num, err)
		}
	}

	msgStmt, err := tx.Prepare(`
		INSERT INTO messages (packet_id, from_node, to_node, sent_at, data_type, payload, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare messages: %w", err)
	}
	defer msgStmt.Close()
	for _, m := range snap.History {
		if _, err := msgStmt.Exec(m.ID, m.From, m.To, unixMilli(m.Time),
			int(m.DataType), m.Payload, m.Status.String()); err != nil {
			return fmt.Errorf("store: insert message %d: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored snapshot. An empty database yields an empty
// snapshot with a nil identity.
func (db *DB) LoadSnapshot() (*mesh.Snapshot, error) {
	snap := &mesh.Snapshot{}

	var blob []byte
	err := db.QueryRow(`SELECT body FROM identity WHERE id = 1`).Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("store: load identity: %w", err)
	default:
		snap.Identity = &mesh.LocalIdentity{}
		if err := json.Unmarshal(blob, snap.Identity); err != nil {
			return nil, fmt.Errorf("store: decode identity: %w", err)
		}
	}

	if snap.Nodes, err = db.Nodes(); err != nil {
		return nil, err
	}
	if snap.History, err = db.Messages(0); err != nil {
		return nil, err
	}
	return snap, nil
}

// Nodes returns the stored node records ordered by node number.
func (db *DB) Nodes() ([]*mesh.NodeRecord, error) {
	rows, err := db.Query(`
		SELECT num, external_id, long_name, short_name,
		       has_position, latitude, longitude, altitude, position_time, last_heard
		FROM nodes ORDER BY num`)
	if err != nil {
		return nil, fmt.Errorf("store: query nodes: %w", err)
	}
	defer rows.Close()

	var out []*mesh.NodeRecord
	for rows.Next() {
		var r nodeRow
		if err := rows.Scan(&r.num, &r.externalID, &r.longName, &r.shortName,
			&r.hasPosition, &r.latitude, &r.longitude, &r.altitude, &r.positionTime, &r.lastHeard); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		out = append(out, r.toRecord())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate nodes: %w", err)
	}
	return out, nil
}

// Messages returns stored history oldest first. limit > 0 keeps only the
// newest limit messages.
func (db *DB) Messages(limit int) ([]*mesh.Message, error) {
	query := `
		SELECT packet_id, from_node, to_node, sent_at, data_type, payload, status
		FROM messages ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query = `
			SELECT packet_id, from_node, to_node, sent_at, data_type, payload, status FROM (
				SELECT * FROM messages ORDER BY seq DESC LIMIT ?
			) ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var out []*mesh.Message
	for rows.Next() {
		var (
			m        mesh.Message
			sentAt   int64
			dataType int
			status   string
		)
		if err := rows.Scan(&m.ID, &m.From, &m.To, &sentAt, &dataType, &m.Payload, &status); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Time = fromUnixMilli(sentAt)
		m.DataType = mesh.DataType(dataType)
		if err := m.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, fmt.Errorf("store: message status: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return out, nil
}

// ── Row mapping ───────────────────────────────────────────────────────────

type nodeRow struct {
	num          uint32
	externalID   sql.NullString
	longName     sql.NullString
	shortName    sql.NullString
	hasPosition  bool
	latitude     float64
	longitude    float64
	altitude     int32
	positionTime int64
	lastHeard    int64
}

func (r *nodeRow) fromRecord(n *mesh.NodeRecord) {
	r.num = n.Num
	r.lastHeard = unixMilli(n.LastHeard)
	if n.User != nil {
		r.externalID = sql.NullString{String: n.User.ID, Valid: true}
		r.longName = sql.NullString{String: n.User.LongName, Valid: true}
		r.shortName = sql.NullString{String: n.User.ShortName, Valid: true}
	}
	if p := n.Position; p != nil {
		r.hasPosition = true
		r.latitude = p.Latitude
		r.longitude = p.Longitude
		r.altitude = p.Altitude
		r.positionTime = unixMilli(p.Time)
	}
}

func (r *nodeRow) toRecord() *mesh.NodeRecord {
	n := &mesh.NodeRecord{Num: r.num, LastHeard: fromUnixMilli(r.lastHeard)}
	if r.externalID.Valid {
		n.User = &mesh.Identity{
			ID:        r.externalID.String,
			LongName:  r.longName.String,
			ShortName: r.shortName.String,
		}
	}
	if r.hasPosition {
		n.Position = &mesh.Position{
			Latitude:  r.latitude,
			Longitude: r.longitude,
			Altitude:  r.altitude,
			Time:      fromUnixMilli(r.positionTime),
		}
	}
	return n
}

// Zero times are stored as 0.
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlIdentity = `
CREATE TABLE IF NOT EXISTS identity (
    id       INTEGER PRIMARY KEY CHECK (id = 1), -- single row
    node_num INTEGER NOT NULL,
    body     BLOB    NOT NULL                    -- JSON-encoded LocalIdentity
);
`

const ddlNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    num           INTEGER PRIMARY KEY,
    external_id   TEXT,
    long_name     TEXT,
    short_name    TEXT,
    has_position  INTEGER NOT NULL DEFAULT 0,
    latitude      REAL    NOT NULL DEFAULT 0,
    longitude     REAL    NOT NULL DEFAULT 0,
    altitude      INTEGER NOT NULL DEFAULT 0,
    position_time INTEGER NOT NULL DEFAULT 0, -- Unix milliseconds
    last_heard    INTEGER NOT NULL DEFAULT 0  -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_nodes_external_id ON nodes (external_id);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    packet_id  INTEGER NOT NULL,
    from_node  TEXT    NOT NULL,
    to_node    TEXT    NOT NULL,
    sent_at    INTEGER NOT NULL,        -- Unix milliseconds
    data_type  INTEGER NOT NULL DEFAULT 0,
    payload    BLOB,
    status     TEXT    NOT NULL DEFAULT 'unknown'
);
`
