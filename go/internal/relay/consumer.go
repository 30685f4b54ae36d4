package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/models"
	"github.com/newsch/collascii-go/go/internal/session"
)

// Ingester applies already-stamped updates to locally hosted sessions.
type Ingester interface {
	IngestUpdate(ctx context.Context, ev models.UpdateEvent) (models.ApplyOutcome, error)
}

type JetStreamConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string        // e.g., "canvas.updates.>"
	MaxDeliver    int           // Max delivery attempts
	AckWait       time.Duration // How long to wait for ack
	MaxAckPending int           // Max messages pending ack
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultJetStreamConsumerConfig() JetStreamConsumerConfig {
	return JetStreamConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "CANVAS_UPDATES",
		ConsumerName:  "canvas-follower",
		SubjectFilter: "canvas.updates.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Consumer ingests updates published by other nodes into the local session
// app. Updates for sessions this node does not host are acknowledged and
// dropped.
type Consumer struct {
	app      Ingester
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   JetStreamConsumerConfig
}

func NewConsumer(app Ingester, config JetStreamConsumerConfig) (*Consumer, error) {
	nc, js, err := connectNATS(config.URL, config.MaxReconnects, config.ReconnectWait)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		app:    app,
		nc:     nc,
		js:     js,
		config: config,
	}

	if err := c.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          c.config.ConsumerName,
		Durable:       c.config.ConsumerName,
		Description:   "Canvas update follower",
		FilterSubject: c.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverAllPolicy, // Replay every update; newest-only would skip cells
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
		MaxAckPending: c.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, c.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	c.consumer = consumer
	return nil
}

// Start consumes updates until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.config.StreamName).
		Msg("starting relay consumer")

	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := c.handleUpdate(ctx, msg.Data()); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("failed to process update")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
			} else {
				if ackErr := msg.Ack(); ackErr != nil {
					log.Error().Err(ackErr).Msg("failed to ACK message")
				}
			}
		}
	}
}

// handleUpdate decodes one stream entry and applies it locally. A nil
// return means the entry is settled and may be acknowledged, including
// updates for sessions this node does not host.
func (c *Consumer) handleUpdate(ctx context.Context, data []byte) error {
	ev, err := decodeUpdate(data)
	if err != nil {
		return err
	}

	outcome, err := c.app.IngestUpdate(ctx, ev)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) || errors.Is(err, session.ErrSessionClosed) {
			log.Debug().
				Str("session_id", ev.SessionID.String()).
				Msg("update for session not hosted here")
			return nil
		}
		return fmt.Errorf("ingest update: %w", err)
	}

	log.Debug().
		Str("session_id", ev.SessionID.String()).
		Uint64("seq", ev.Cell.Stamp.Seq).
		Str("origin", ev.Origin).
		Str("outcome", string(outcome)).
		Msg("ingested relayed update")

	return nil
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() error {
	log.Info().Msg("stopping relay consumer")
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

// ConsumerInfo returns delivery state for the durable consumer.
func (c *Consumer) ConsumerInfo(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	return c.consumer.Info(ctx)
}
