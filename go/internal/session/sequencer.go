package session

// sequencer issues a session's logical timestamps. Values are strictly
// increasing and never reused for the life of the session; only accepted
// edits consume one. The owning session's mutex guards it.
type sequencer struct {
	seq uint64
}

// newSequencerAt resumes a clock at seq, so restored sessions keep stamping
// above everything an archived snapshot contains.
func newSequencerAt(seq uint64) sequencer {
	return sequencer{seq: seq}
}

// next consumes and returns the next timestamp. The first one issued is 1.
func (s *sequencer) next() uint64 {
	s.seq++
	return s.seq
}

// current returns the last issued timestamp without consuming one.
func (s *sequencer) current() uint64 {
	return s.seq
}

// advanceTo raises the clock to at least seq. Follower sessions use it to
// track the stamps they ingest.
func (s *sequencer) advanceTo(seq uint64) {
	if seq > s.seq {
		s.seq = seq
	}
}
