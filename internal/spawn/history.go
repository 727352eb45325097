package spawn

import "encoding/json"

// history is a bounded ring of raw output lines kept for replay when
// a viewer attaches mid-session.
type history struct {
	items []json.RawMessage
	max   int
}

func newHistory(max int) *history {
	return &history{max: max}
}

func (h *history) append(raw json.RawMessage) {
	h.items = append(h.items, raw)
	if len(h.items) > h.max {
		// Drop the oldest; copy so the backing array does not pin
		// evicted lines.
		h.items = append([]json.RawMessage(nil), h.items[len(h.items)-h.max:]...)
	}
}

func (h *history) snapshot() []json.RawMessage {
	return append([]json.RawMessage(nil), h.items...)
}
