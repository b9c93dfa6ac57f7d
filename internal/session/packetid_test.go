package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcommons/meshlink/internal/mesh"
)

func TestPacketIDWithoutIdentity(t *testing.T) {
	var g packetIDs
	assert.Zero(t, g.next(nil, func() uint64 { return 1 }))
	assert.False(t, g.seeded, "no identity must not consume the seed")
}

func TestPacketIDNeverZeroNorRepeats(t *testing.T) {
	tests := []struct {
		name string
		id   mesh.LocalIdentity
		seed uint64
	}{
		{name: "8 bit from radio counter", id: mesh.LocalIdentity{PacketIDBits: 8, CurrentPacketID: 200}},
		{name: "8 bit random seed", id: mesh.LocalIdentity{PacketIDBits: 8}, seed: 0xfffffffffffffff0},
		{name: "unset width", id: mesh.LocalIdentity{}, seed: 3},
		{name: "12 bit", id: mesh.LocalIdentity{PacketIDBits: 12, CurrentPacketID: 4000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g packetIDs
			space := idSpace(tt.id.PacketIDBits)
			seen := make(map[uint32]bool, space)
			for range space {
				id := g.next(&tt.id, func() uint64 { return tt.seed })
				require.NotZero(t, id)
				require.LessOrEqual(t, uint64(id), space)
				require.False(t, seen[id], "id %d repeated", id)
				seen[id] = true
			}
		})
	}
}

func TestPacketIDSeedOffset(t *testing.T) {
	var g packetIDs
	id := &mesh.LocalIdentity{PacketIDBits: 8, CurrentPacketID: 10}

	// (10 + 127) % 255, then one step, then shifted past zero.
	assert.Equal(t, uint32(139), g.next(id, nil))
	assert.Equal(t, uint32(140), g.next(id, nil))
}

func TestPacketIDWrapsAt32Bits(t *testing.T) {
	space := idSpace(32)
	// Seed so the counter sits three below the top of the space.
	id := &mesh.LocalIdentity{PacketIDBits: 32, CurrentPacketID: uint32(space - 3 - space/2)}

	var g packetIDs
	var got []uint32
	for range 5 {
		got = append(got, g.next(id, nil))
	}
	assert.Equal(t, []uint32{0xfffffffe, 0xffffffff, 1, 2, 3}, got)
}

func TestIDSpace(t *testing.T) {
	assert.Equal(t, uint64(255), idSpace(0))
	assert.Equal(t, uint64(255), idSpace(8))
	assert.Equal(t, uint64(0xffffffff), idSpace(32))
	assert.Equal(t, uint64(0xffffffff), idSpace(40))
}
