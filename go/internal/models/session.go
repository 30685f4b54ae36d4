package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionInfo is the listing view of a live session.
type SessionInfo struct {
	ID        uuid.UUID `json:"id"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Clients   int       `json:"clients"`
	AsOfSeq   uint64    `json:"as_of_seq"`
	CreatedAt time.Time `json:"created_at"`
}
