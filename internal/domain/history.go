package domain

// History is the append-only, insertion-ordered log of one subject's readings.
// The zero value is an empty history ready for use.
type History struct {
	entries []HistoryEntry
}

// Append adds e after every existing entry.
func (h *History) Append(e HistoryEntry) {
	h.entries = append(h.entries, e)
}

// Last returns the most recently appended entry.
func (h *History) Last() (HistoryEntry, bool) {
	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// All returns a copy of the entries in insertion order.
func (h *History) All() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	return len(h.entries)
}
