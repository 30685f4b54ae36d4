package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/newsch/collascii-go/go/internal/models"
	"github.com/newsch/collascii-go/go/internal/session"
)

// CanvasEvent is the envelope for every message crossing a canvas
// WebSocket, in both directions.
type CanvasEvent struct {
	ID        string          `json:"id"`         // Event UUID
	SessionID string          `json:"session_id"` // Session UUID
	Type      EventType       `json:"type"`       // Event type
	Timestamp time.Time       `json:"timestamp"`  // Event creation time
	Data      json.RawMessage `json:"data"`       // Event-specific payload
}

// EventType represents the type of canvas event
type EventType string

const (
	// Server to client
	EventTypeSnapshot EventType = "Snapshot"
	EventTypeUpdate   EventType = "Update"
	EventTypeAck      EventType = "Ack"
	EventTypeRejected EventType = "Rejected"
	EventTypePresence EventType = "Presence"

	// Client to server
	EventTypeEdit EventType = "Edit"
	EventTypePos  EventType = "Pos"
)

// Rejection reasons carried by RejectedPayload.
const (
	RejectReasonOutOfBounds = "out_of_bounds"
	RejectReasonCooldown    = "cooldown"
	RejectReasonInvalidChar = "invalid_char"
	RejectReasonInternal    = "internal"
)

// SnapshotPayload seeds a client after it joins: the full canvas plus the
// client id the server assigned.
type SnapshotPayload struct {
	models.CanvasSnapshot
	ClientID string `json:"client_id"`
}

// UpdatePayload carries one applied edit. Its size does not depend on the
// canvas dimensions.
type UpdatePayload struct {
	Pos    models.Coord `json:"pos"`
	Ch     string       `json:"ch"`
	Stamp  models.Stamp `json:"stamp"`
	Origin string       `json:"origin"`
}

// AckPayload confirms a client's own edit.
type AckPayload struct {
	LocalSeq uint64              `json:"local_seq"`
	Outcome  models.ApplyOutcome `json:"outcome"`
	Stamp    models.Stamp        `json:"stamp"`
}

// RejectedPayload reports a refused edit. Cooldown rejections carry the
// authoritative cell so the client can revert its optimistic write.
type RejectedPayload struct {
	LocalSeq     uint64        `json:"local_seq"`
	Reason       string        `json:"reason"`
	Pos          models.Coord  `json:"pos"`
	Ch           string        `json:"ch,omitempty"`
	Stamp        *models.Stamp `json:"stamp,omitempty"`
	RetryAfterMS int64         `json:"retry_after_ms,omitempty"`
}

// PresencePayload shares one client's cursor position.
type PresencePayload struct {
	ClientID string       `json:"client_id"`
	Pos      models.Coord `json:"pos"`
}

// EditPayload is a client's edit intent.
type EditPayload struct {
	Pos      models.Coord `json:"pos"`
	Ch       string       `json:"ch"`
	LocalSeq uint64       `json:"local_seq"`
}

// PosPayload is a client's cursor report; the first one a client sends
// opts it into cursor sharing.
type PosPayload struct {
	Pos models.Coord `json:"pos"`
}

func newEvent(eventType EventType, sessionID uuid.UUID, payload any) (*CanvasEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &CanvasEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID.String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}, nil
}

// NewSnapshotEvent builds the join-time snapshot event.
func NewSnapshotEvent(sessionID uuid.UUID, clientID string, snap models.CanvasSnapshot) (*CanvasEvent, error) {
	return newEvent(EventTypeSnapshot, sessionID, SnapshotPayload{CanvasSnapshot: snap, ClientID: clientID})
}

// NewUpdateEvent wraps one applied edit for broadcast.
func NewUpdateEvent(ev models.UpdateEvent) (*CanvasEvent, error) {
	return newEvent(EventTypeUpdate, ev.SessionID, UpdatePayload{
		Pos:    ev.Pos,
		Ch:     string(ev.Cell.Ch),
		Stamp:  ev.Cell.Stamp,
		Origin: ev.Origin,
	})
}

// NewAckEvent wraps the stamped result of a client's own edit.
func NewAckEvent(sessionID uuid.UUID, res *session.SubmitEditResult) (*CanvasEvent, error) {
	return newEvent(EventTypeAck, sessionID, AckPayload{
		LocalSeq: res.LocalSeq,
		Outcome:  res.Outcome,
		Stamp:    res.Stamp,
	})
}

// NewRejectedEvent wraps a refused edit.
func NewRejectedEvent(sessionID uuid.UUID, payload RejectedPayload) (*CanvasEvent, error) {
	return newEvent(EventTypeRejected, sessionID, payload)
}

// NewPresenceEvent wraps a cursor report for fan-out.
func NewPresenceEvent(pe models.PresenceEvent) (*CanvasEvent, error) {
	return newEvent(EventTypePresence, pe.SessionID, PresencePayload{ClientID: pe.ClientID, Pos: pe.Pos})
}

// NewEditEvent builds the client-side edit intent message.
func NewEditEvent(edit models.Edit) (*CanvasEvent, error) {
	return newEvent(EventTypeEdit, edit.SessionID, EditPayload{
		Pos:      edit.Pos,
		Ch:       string(edit.Ch),
		LocalSeq: edit.LocalSeq,
	})
}

// NewPosEvent builds the client-side cursor report message.
func NewPosEvent(sessionID uuid.UUID, pos models.Coord) (*CanvasEvent, error) {
	return newEvent(EventTypePos, sessionID, PosPayload{Pos: pos})
}

// ParseEventPayload parses event data into the appropriate payload struct
func ParseEventPayload(event *CanvasEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeSnapshot:
		var payload SnapshotPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeUpdate:
		var payload UpdatePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeAck:
		var payload AckPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRejected:
		var payload RejectedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypePresence:
		var payload PresencePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeEdit:
		var payload EditPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypePos:
		var payload PosPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown event type
	}
}

// PayloadRune decodes the single character carried in a payload ch field.
func PayloadRune(s string) (rune, error) {
	r, err := models.SingleRune(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", session.ErrInvalidChar, err)
	}
	return r, nil
}
