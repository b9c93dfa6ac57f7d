package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcommons/meshlink/internal/mesh"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "meshlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func sampleSnapshot() *mesh.Snapshot {
	heard := time.Date(2024, 5, 4, 10, 30, 0, 0, time.UTC)
	return &mesh.Snapshot{
		Identity: &mesh.LocalIdentity{
			NodeNum:         0x1234,
			Region:          "EU_868",
			FirmwareVersion: "1.2.3",
			PacketIDBits:    32,
			NodeNumBits:     32,
			MessageTimeout:  5 * time.Minute,
			ShouldUpdate:    true,
		},
		Nodes: []*mesh.NodeRecord{
			{Num: 7},
			{
				Num:       0x1234,
				User:      &mesh.Identity{ID: "!00001234", LongName: "Base", ShortName: "BS"},
				Position:  &mesh.Position{Latitude: 47.3769, Longitude: 8.5417, Altitude: 408, Time: heard},
				LastHeard: heard,
			},
		},
		History: []*mesh.Message{
			{From: "!00001234", To: mesh.BroadcastID, Time: heard, ID: 11, DataType: mesh.DataClearText, Payload: []byte("first"), Status: mesh.StatusDelivered},
			{From: "!00000007", To: "!00001234", Time: heard.Add(time.Second), ID: 12, DataType: mesh.DataOpaque, Payload: []byte{0, 1, 2}, Status: mesh.StatusReceived},
			{From: "!00001234", To: "!00000007", ID: 13, DataType: mesh.DataClearText, Payload: []byte("queued"), Status: mesh.StatusQueued},
		},
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(db))
}

func TestLoadEmpty(t *testing.T) {
	db := openTestDB(t)

	snap, err := db.LoadSnapshot()

	require.NoError(t, err)
	assert.Nil(t, snap.Identity)
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.History)
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	want := sampleSnapshot()

	require.NoError(t, db.SaveSnapshot(want))
	got, err := db.LoadSnapshot()
	require.NoError(t, err)

	assert.Equal(t, want.Identity, got.Identity)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, uint32(7), got.Nodes[0].Num)
	assert.Nil(t, got.Nodes[0].User)
	assert.Nil(t, got.Nodes[0].Position)
	assert.True(t, got.Nodes[0].LastHeard.IsZero())
	assert.Equal(t, want.Nodes[1], got.Nodes[1])

	require.Len(t, got.History, 3)
	for i := range want.History {
		assert.Equal(t, want.History[i], got.History[i])
	}
}

func TestSaveReplaces(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveSnapshot(sampleSnapshot()))

	require.NoError(t, db.SaveSnapshot(&mesh.Snapshot{Nodes: []*mesh.NodeRecord{{Num: 99}}}))

	got, err := db.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, got.Identity)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, uint32(99), got.Nodes[0].Num)
	assert.Empty(t, got.History)
}

func TestMessagesLimit(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveSnapshot(sampleSnapshot()))

	got, err := db.Messages(2)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(12), got[0].ID, "newest two, oldest first")
	assert.Equal(t, uint32(13), got[1].ID)
}
