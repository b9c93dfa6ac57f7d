package session

import "github.com/meshcommons/meshlink/internal/mesh"

// history keeps the most recent messages, sent and received, for replay to
// late observers. Entries are the live messages so status changes show up.
type history struct {
	size int
	msgs []*mesh.Message
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 1
	}
	return &history{size: size}
}

func (h *history) add(m *mesh.Message) {
	if h.msgs == nil {
		h.msgs = make([]*mesh.Message, 0, h.size)
	}
	if len(h.msgs) == h.size {
		copy(h.msgs, h.msgs[1:])
		h.msgs = h.msgs[:h.size-1]
	}
	h.msgs = append(h.msgs, m)
}

// list returns copies, oldest first.
func (h *history) list() []*mesh.Message {
	out := make([]*mesh.Message, len(h.msgs))
	for i, m := range h.msgs {
		out[i] = m.Clone()
	}
	return out
}

// replace installs msgs (oldest first), keeping only the newest size.
func (h *history) replace(msgs []*mesh.Message) {
	h.msgs = nil
	for _, m := range msgs {
		h.add(m.Clone())
	}
}
