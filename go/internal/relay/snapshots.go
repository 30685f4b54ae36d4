package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/archive"
)

// AnnounceSnapshot publishes an archived-snapshot notice for external
// consumers such as timelapse renderers. The archive listener is the
// caller and brings its own retry, so a failed publish surfaces directly.
func (p *Publisher) AnnounceSnapshot(ctx context.Context, meta archive.SnapshotMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal snapshot meta: %w", err)
	}

	env := map[string]interface{}{
		"eventId":   uuid.New().String(),
		"eventType": "SnapshotArchived",
		"sessionId": meta.SessionID.String(),
		"timestamp": time.Now().UTC(),
		"payload":   json.RawMessage(payload),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal snapshot envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.config.SnapshotSubjectPrefix, meta.SessionID)
	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{"SnapshotArchived"},
			"Session-ID": []string{meta.SessionID.String()},
		},
	},
		jetstream.WithMsgID(fmt.Sprintf("snap:%s:%d", meta.SessionID, meta.AsOfSeq)),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Info().
		Str("subject", subject).
		Uint64("as_of_seq", meta.AsOfSeq).
		Uint64("stream_seq", ack.Sequence).
		Msg("announced snapshot")

	return nil
}
