package archive

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotifyChannel is the Postgres channel the repository notifies after every
// snapshot write. Payload is the session id.
const NotifyChannel = "collascii_snapshots"

// SnapshotMeta describes one archived snapshot without its cells. The
// listener announces this shape to downstream consumers.
type SnapshotMeta struct {
	SessionID uuid.UUID       `json:"session_id"`
	AsOfSeq   uint64          `json:"as_of_seq"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	TakenAt   time.Time       `json:"taken_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}
