package models

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ApplyOutcome describes what the conflict resolver did with a stamped edit.
type ApplyOutcome string

const (
	ApplyApplied    ApplyOutcome = "APPLIED"
	ApplySuperseded ApplyOutcome = "SUPERSEDED"
)

// Edit is a client's intent to place one character at one coordinate.
// LocalSeq is assigned by the submitting client and echoed back in acks so
// the client can match the stamped result to its pending queue.
type Edit struct {
	SessionID uuid.UUID `json:"session_id"`
	ClientID  string    `json:"client_id"`
	Pos       Coord     `json:"pos"`
	Ch        rune      `json:"ch"`
	LocalSeq  uint64    `json:"local_seq"`
}

// UpdateEvent is the broadcast unit for one accepted edit. Its size does not
// depend on canvas dimensions.
type UpdateEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	Pos       Coord     `json:"pos"`
	Cell      Cell      `json:"cell"`
	Origin    string    `json:"origin"`
}

// PresenceEvent reports a client's cursor position to clients that share
// cursors. Presence carries no stamps; the latest report per client wins.
type PresenceEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	ClientID  string    `json:"client_id"`
	Pos       Coord     `json:"pos"`
}

// SingleRune decodes a wire ch field, which must hold exactly one rune.
func SingleRune(s string) (rune, error) {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || size != len(s) {
		return 0, fmt.Errorf("not a single character: %q", s)
	}
	return r, nil
}
