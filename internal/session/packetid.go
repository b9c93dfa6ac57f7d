package session

import "github.com/meshcommons/meshlink/internal/mesh"

// packetIDs generates outbound packet ids without coordinating with the
// radio. Locally generated ids start half the id space away from the
// radio's own counter; 0 is never returned for a known identity.
type packetIDs struct {
	current uint64
	seeded  bool
}

// next returns the next id, or 0 ("let the radio assign one") while no
// identity is known.
func (g *packetIDs) next(id *mesh.LocalIdentity, random func() uint64) uint32 {
	if id == nil {
		return 0
	}
	space := idSpace(id.PacketIDBits)
	if !g.seeded {
		seed := uint64(id.CurrentPacketID)
		if seed == 0 {
			seed = random()
		}
		g.current = ((seed & 0xffffffff) + space/2) % space
		g.seeded = true
	}
	// Reducing on every step keeps the sequence gap-free across the 32-bit
	// wrap, so no id repeats within space consecutive calls.
	g.current = (g.current + 1) % space
	return uint32(g.current + 1)
}

// idSpace returns 2^bits - 1 for bits clamped to [1, 32].
func idSpace(bits uint32) uint64 {
	switch {
	case bits == 0:
		bits = 8
	case bits > 32:
		bits = 32
	}
	return uint64(1)<<bits - 1
}
