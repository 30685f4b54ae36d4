package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/newsch/collascii-go/go/internal/models"
)

// updateEnvelope is the wire form of one applied edit on the update stream.
// Both the publisher and the consumer speak this shape.
type updateEnvelope struct {
	EventID   string       `json:"eventId"`
	SessionID string       `json:"sessionId"`
	Timestamp time.Time    `json:"timestamp"`
	Pos       models.Coord `json:"pos"`
	Ch        string       `json:"ch"`
	Stamp     models.Stamp `json:"stamp"`
	Origin    string       `json:"origin"`
}

// updateMsgID derives the JetStream dedup id for an update. The stamp key
// (session, seq, client) identifies a write uniquely across nodes, so
// redelivered publishes collapse into one stream entry.
func updateMsgID(ev models.UpdateEvent) string {
	return fmt.Sprintf("%s:%d:%s", ev.SessionID, ev.Cell.Stamp.Seq, ev.Cell.Stamp.ClientID)
}

func encodeUpdate(ev models.UpdateEvent) ([]byte, error) {
	env := updateEnvelope{
		EventID:   uuid.New().String(),
		SessionID: ev.SessionID.String(),
		Timestamp: time.Now().UTC(),
		Pos:       ev.Pos,
		Ch:        string(ev.Cell.Ch),
		Stamp:     ev.Cell.Stamp,
		Origin:    ev.Origin,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal update envelope: %w", err)
	}
	return data, nil
}

func decodeUpdate(data []byte) (models.UpdateEvent, error) {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.UpdateEvent{}, fmt.Errorf("unmarshal update envelope: %w", err)
	}
	sessionID, err := uuid.Parse(env.SessionID)
	if err != nil {
		return models.UpdateEvent{}, fmt.Errorf("parse session id: %w", err)
	}
	ch, err := models.SingleRune(env.Ch)
	if err != nil {
		return models.UpdateEvent{}, fmt.Errorf("decode ch: %w", err)
	}
	return models.UpdateEvent{
		SessionID: sessionID,
		Pos:       env.Pos,
		Cell:      models.Cell{Ch: ch, Stamp: env.Stamp},
		Origin:    env.Origin,
	}, nil
}
