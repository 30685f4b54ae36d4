package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/newsch/collascii-go/go/internal/models"
)

// Sentinel errors surfaced to transports. Each one is local to the failing
// request; none of them corrupts session state or blocks other clients.
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownClient  = errors.New("unknown client")
	ErrClientTaken    = errors.New("client id already joined")
	ErrInvalidChar    = errors.New("character not displayable")
	ErrCooldown       = errors.New("edit rate limited")
)

// CooldownError reports an edit rejected because the client edited again
// within the session's cooldown window. Cell carries the authoritative
// content at Pos so the submitter can revert its optimistic write.
type CooldownError struct {
	Pos        models.Coord
	Cell       models.Cell
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("edit rate limited: retry after %s", e.RetryAfter)
}

func (e *CooldownError) Unwrap() error { return ErrCooldown }
