package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/meshcommons/meshlink/internal/mesh"
)

// tracker holds outbound messages awaiting an ack or nak, keyed by packet id.
type tracker struct {
	sent map[uint32]*mesh.Message
}

func newTracker() *tracker {
	return &tracker{sent: make(map[uint32]*mesh.Message)}
}

func (t *tracker) add(m *mesh.Message) {
	t.sent[m.ID] = m
}

// take removes and returns the message tracked under id.
func (t *tracker) take(id uint32) (*mesh.Message, bool) {
	m, ok := t.sent[id]
	if !ok {
		return nil, false
	}
	if m.ID != id {
		panic(fmt.Sprintf("session: tracker entry %d holds message %d", id, m.ID))
	}
	delete(t.sent, id)
	return m, true
}

// expired returns, oldest first, every Enroute message sent more than
// timeout before now.
func (t *tracker) expired(now time.Time, timeout time.Duration) []*mesh.Message {
	var out []*mesh.Message
	for _, m := range t.sent {
		if m.Status == mesh.StatusEnroute && now.Sub(m.Time) > timeout {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// get returns the message tracked under id without removing it.
func (t *tracker) get(id uint32) (*mesh.Message, bool) {
	m, ok := t.sent[id]
	return m, ok
}

func (t *tracker) contains(id uint32) bool {
	_, ok := t.sent[id]
	return ok
}

func (t *tracker) len() int { return len(t.sent) }
