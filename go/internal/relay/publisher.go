package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/models"
)

type JetStreamConfig struct {
	URL                   string
	StreamName            string
	SubjectPrefix         string
	SnapshotSubjectPrefix string
	MaxReconnects         int
	ReconnectWait         time.Duration
	MaxAge                time.Duration // How long to keep updates
	MaxMsgs               int64         // Max number of updates to keep
	Replicas              int           // Number of replicas for the stream
	DuplicateWindow       time.Duration // Window for duplicate detection
	QueueSize             int           // Buffered updates awaiting publication
	PublishRetryWindow    time.Duration // Give up on an update after this long
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:                   nats.DefaultURL,
		StreamName:            "CANVAS_UPDATES",
		SubjectPrefix:         "canvas.updates",
		SnapshotSubjectPrefix: "canvas.snapshots",
		MaxReconnects:         -1, // Infinite
		ReconnectWait:         2 * time.Second,
		MaxAge:                24 * time.Hour,
		MaxMsgs:               -1, // No limit
		Replicas:              1,
		DuplicateWindow:       2 * time.Hour,
		QueueSize:             1024,
		PublishRetryWindow:    30 * time.Second,
	}
}

// Publisher forwards locally applied updates onto the JetStream update
// stream, one subject per session. It satisfies the session app's Relay
// hook.
type Publisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	config  JetStreamConfig
	updates chan models.UpdateEvent
}

func NewPublisher(cfg JetStreamConfig) (*Publisher, error) {
	nc, js, err := connectNATS(cfg.URL, cfg.MaxReconnects, cfg.ReconnectWait)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		nc:      nc,
		js:      js,
		config:  cfg,
		updates: make(chan models.UpdateEvent, cfg.QueueSize),
	}

	if err := p.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Canvas cell updates for cross-node mirroring",
		Subjects: []string{
			fmt.Sprintf("%s.>", p.config.SubjectPrefix),
			fmt.Sprintf("%s.>", p.config.SnapshotSubjectPrefix),
		},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     p.config.MaxAge,
		MaxMsgs:    p.config.MaxMsgs,
		Storage:    jetstream.FileStorage,
		Replicas:   p.config.Replicas,
		Duplicates: p.config.DuplicateWindow,
	}

	stream, err := p.js.Stream(ctx, p.config.StreamName)
	if err != nil {
		// Create new stream
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().
			Str("stream", p.config.StreamName).
			Msg("created JetStream stream")
	} else {
		// Update existing if needed
		info, err := stream.Info(ctx)
		if err != nil {
			return fmt.Errorf("get stream info: %w", err)
		}
		if !isStreamConfigEqual(info.Config, sc) {
			if _, err = p.js.UpdateStream(ctx, sc); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			log.Info().
				Str("stream", p.config.StreamName).
				Msg("updated JetStream stream")
		}
	}
	return nil
}

// RelayUpdate queues one applied update for publication. It never blocks:
// when the queue is full the update is dropped and the stamp on a later
// write or snapshot carries the session back into sync.
func (p *Publisher) RelayUpdate(ev models.UpdateEvent) {
	select {
	case p.updates <- ev:
	default:
		log.Warn().
			Str("session_id", ev.SessionID.String()).
			Uint64("seq", ev.Cell.Stamp.Seq).
			Msg("relay queue full, dropping update")
	}
}

// Run drains the queue and publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	log.Info().
		Str("stream", p.config.StreamName).
		Str("subject_prefix", p.config.SubjectPrefix).
		Msg("starting relay publisher")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay publisher shutting down")
			return nil
		case ev := <-p.updates:
			if err := p.publish(ctx, ev); err != nil {
				log.Error().
					Err(err).
					Str("session_id", ev.SessionID.String()).
					Uint64("seq", ev.Cell.Stamp.Seq).
					Msg("failed to publish update")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev models.UpdateEvent) error {
	data, err := encodeUpdate(ev)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, ev.SessionID)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Session-ID": []string{ev.SessionID.String()},
			"Origin":     []string{ev.Origin},
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = p.config.PublishRetryWindow

	var ack *jetstream.PubAck
	op := func() error {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		a, err := p.js.PublishMsg(pubCtx, msg,
			jetstream.WithMsgID(updateMsgID(ev)),
			jetstream.WithExpectStream(p.config.StreamName),
		)
		if err != nil {
			return err
		}
		ack = a
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Uint64("seq", ev.Cell.Stamp.Seq).
		Uint64("stream_seq", ack.Sequence).
		Str("origin", ev.Origin).
		Msg("published update")

	return nil
}

func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
