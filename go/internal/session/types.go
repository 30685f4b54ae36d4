package session

import (
	"time"

	"github.com/newsch/collascii-go/go/internal/models"
)

// Config carries registry-wide defaults for new sessions.
type Config struct {
	// DefaultWidth and DefaultHeight size canvases for requests that leave
	// dimensions unset.
	DefaultWidth  int `yaml:"default_width"`
	DefaultHeight int `yaml:"default_height"`

	// SubscriberBuffer is the per-subscriber feed depth. A subscriber whose
	// buffer fills is dropped rather than allowed to stall the session.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// Cooldown is the minimum interval between accepted edits per client.
	// Zero disables it.
	Cooldown time.Duration `yaml:"cooldown"`

	// EmptyLinger is how long a session with no clients survives before the
	// janitor closes it.
	EmptyLinger time.Duration `yaml:"empty_linger"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		DefaultWidth:     80,
		DefaultHeight:    24,
		SubscriberBuffer: 256,
		Cooldown:         0,
		EmptyLinger:      30 * time.Second,
	}
}

// CreateSessionRequest represents a request to create a new session
type CreateSessionRequest struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Seed   string `json:"seed,omitempty"`
	// Cooldown overrides the registry default when positive.
	Cooldown time.Duration `json:"cooldown,omitempty"`
	// Persistent keeps the session out of the janitor's empty sweep. The
	// line-protocol session is pinned this way so the canvas survives
	// between terminal connections.
	Persistent bool `json:"persistent,omitempty"`
}

// JoinResult is handed to a transport when a client joins: the assigned
// client id, a snapshot consistent with the feed, and the feed itself.
// Every update stamped after Snapshot.AsOfSeq arrives on Sub.
type JoinResult struct {
	ClientID string
	Snapshot models.CanvasSnapshot
	Sub      *Subscription
}

// SubmitEditResult acknowledges a stamped edit back to its submitter.
type SubmitEditResult struct {
	Outcome  models.ApplyOutcome `json:"outcome"`
	Stamp    models.Stamp        `json:"stamp"`
	LocalSeq uint64              `json:"local_seq"`
}

// FeedEvent is one entry on a session's subscriber feed. Exactly one field
// is set.
type FeedEvent struct {
	Update   *models.UpdateEvent
	Presence *models.PresenceEvent
}
