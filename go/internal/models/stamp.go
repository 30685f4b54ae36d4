package models

// Stamp identifies the write that produced a cell's current content. Seq is
// the logical timestamp assigned by the session sequencer; ClientID is the
// editor that submitted the write.
type Stamp struct {
	Seq      uint64 `json:"seq"`
	ClientID string `json:"client_id"`
}

// Dominates reports whether s wins a conflict against other under
// last-writer-wins ordering: higher Seq wins, and equal Seq falls back to
// the lexicographically greater ClientID.
func (s Stamp) Dominates(other Stamp) bool {
	if s.Seq != other.Seq {
		return s.Seq > other.Seq
	}
	return s.ClientID > other.ClientID
}

// IsZero reports whether the stamp is the zero value carried by seeded and
// never-written cells.
func (s Stamp) IsZero() bool {
	return s.Seq == 0 && s.ClientID == ""
}
