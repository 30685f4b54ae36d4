// Package client maintains a live local replica of one session over the
// gateway's websocket protocol. Local edits draw immediately and are
// confirmed or reverted by server traffic; a dropped connection is redialed
// with backoff and unconfirmed edits are resubmitted.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/gateway"
	"github.com/newsch/collascii-go/go/internal/mirror"
	"github.com/newsch/collascii-go/go/internal/models"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

const writeTimeout = 10 * time.Second

type Config struct {
	BaseURL          string        // gateway host:port
	HandshakeTimeout time.Duration
	SnapshotTimeout  time.Duration // wait for the greeting snapshot
	ReconnectMaxWait time.Duration // cap between reconnect attempts
	ReconnectWindow  time.Duration // give up after this long; 0 retries forever
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		SnapshotTimeout:  10 * time.Second,
		ReconnectMaxWait: 30 * time.Second,
	}
}

// Handlers receive replica changes. All fields are optional; they are
// called from the client's read goroutine.
type Handlers struct {
	OnChange   func()                          // rendered canvas changed
	OnPresence func(ev models.PresenceEvent)   // another client's cursor moved
	OnReject   func(p gateway.RejectedPayload) // a local edit was refused
}

// Client is one participant's connection to a session.
type Client struct {
	config    Config
	sessionID uuid.UUID
	handlers  Handlers

	mu      sync.Mutex
	conn    *websocket.Conn
	mirror  *mirror.Mirror
	closed  bool
	writeMu sync.Mutex

	done chan struct{}
}

// Dial joins a session and starts the read loop. An empty clientID asks
// the server to assign one.
func Dial(ctx context.Context, cfg Config, sessionID uuid.UUID, clientID string, handlers Handlers) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url required")
	}
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = def.ReconnectMaxWait
	}

	c := &Client{
		config:    cfg,
		sessionID: sessionID,
		handlers:  handlers,
		done:      make(chan struct{}),
	}

	conn, snap, assignedID, err := c.dial(ctx, clientID)
	if err != nil {
		return nil, err
	}
	m, err := mirror.New(assignedID, snap)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	c.mirror = m

	log.Info().
		Str("session_id", sessionID.String()).
		Str("client_id", assignedID).
		Msg("joined session")

	go c.run()
	return c, nil
}

// dial connects and consumes the greeting snapshot.
func (c *Client) dial(ctx context.Context, clientID string) (*websocket.Conn, models.CanvasSnapshot, string, error) {
	u := url.URL{Scheme: "ws", Host: c.config.BaseURL, Path: "/ws/canvas"}
	q := u.Query()
	q.Set("session_id", c.sessionID.String())
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, models.CanvasSnapshot{}, "", fmt.Errorf("dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, models.CanvasSnapshot{}, "", fmt.Errorf("dial %s: %w", u.Host, err)
	}

	snap, assignedID, err := readGreeting(conn, c.config.SnapshotTimeout)
	if err != nil {
		conn.Close()
		return nil, models.CanvasSnapshot{}, "", err
	}
	return conn, snap, assignedID, nil
}

// readGreeting reads the snapshot event every connection starts with.
func readGreeting(conn *websocket.Conn, timeout time.Duration) (models.CanvasSnapshot, string, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return models.CanvasSnapshot{}, "", fmt.Errorf("read greeting: %w", err)
	}
	var event gateway.CanvasEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return models.CanvasSnapshot{}, "", fmt.Errorf("parse greeting: %w", err)
	}
	if event.Type != gateway.EventTypeSnapshot {
		return models.CanvasSnapshot{}, "", fmt.Errorf("expected snapshot greeting, got %s", event.Type)
	}
	var payload gateway.SnapshotPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return models.CanvasSnapshot{}, "", fmt.Errorf("parse snapshot: %w", err)
	}
	return payload.CanvasSnapshot, payload.ClientID, nil
}

// SetCell stages an edit locally and submits it. The edit draws
// immediately; the server's ack or rejection settles it.
func (c *Client) SetCell(pos models.Coord, ch rune) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	edit, err := c.mirror.Stage(c.sessionID, pos, ch)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.notifyChange()
	return c.sendEdit(edit)
}

// MoveCursor reports the local cursor position. The first report opts this
// client into cursor sharing.
func (c *Client) MoveCursor(pos models.Coord) error {
	event, err := gateway.NewPosEvent(c.sessionID, pos)
	if err != nil {
		return err
	}
	return c.send(event)
}

// View renders the replica: confirmed state with optimistic edits on top.
func (c *Client) View() models.CanvasSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.View()
}

// ClientID returns the id this client edits under, server-assigned when
// Dial was given none.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.ClientID()
}

// PendingCount reports how many local edits await confirmation.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.PendingCount()
}

// Done closes when the client stops for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close stops the read loop and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	close(c.done)

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (c *Client) run() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		err := c.readLoop(conn)
		if c.isClosed() {
			return
		}
		log.Warn().Err(err).
			Str("session_id", c.sessionID.String()).
			Msg("connection lost")

		if err := c.reconnect(); err != nil {
			if !c.isClosed() {
				log.Error().Err(err).Msg("reconnect failed")
				c.Close()
			}
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var event gateway.CanvasEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Warn().Err(err).Msg("discarding malformed event")
			continue
		}
		c.handleEvent(&event)
	}
}

func (c *Client) handleEvent(event *gateway.CanvasEvent) {
	switch event.Type {
	case gateway.EventTypeUpdate:
		var p gateway.UpdatePayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			log.Warn().Err(err).Msg("discarding malformed update")
			return
		}
		ch, err := models.SingleRune(p.Ch)
		if err != nil {
			log.Warn().Err(err).Msg("discarding update with bad char")
			return
		}
		c.mu.Lock()
		c.mirror.OnUpdate(models.UpdateEvent{
			SessionID: c.sessionID,
			Pos:       p.Pos,
			Cell:      models.Cell{Ch: ch, Stamp: p.Stamp},
			Origin:    p.Origin,
		})
		c.mu.Unlock()
		c.notifyChange()

	case gateway.EventTypeAck:
		var p gateway.AckPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			log.Warn().Err(err).Msg("discarding malformed ack")
			return
		}
		c.mu.Lock()
		c.mirror.OnAck(p.LocalSeq, p.Stamp)
		c.mu.Unlock()
		c.notifyChange()

	case gateway.EventTypeRejected:
		var p gateway.RejectedPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			log.Warn().Err(err).Msg("discarding malformed rejection")
			return
		}
		var authoritative *models.Cell
		if p.Stamp != nil && p.Ch != "" {
			if ch, err := models.SingleRune(p.Ch); err == nil {
				authoritative = &models.Cell{Ch: ch, Stamp: *p.Stamp}
			}
		}
		c.mu.Lock()
		c.mirror.OnReject(p.LocalSeq, p.Pos, authoritative)
		c.mu.Unlock()
		if c.handlers.OnReject != nil {
			c.handlers.OnReject(p)
		}
		c.notifyChange()

	case gateway.EventTypePresence:
		var p gateway.PresencePayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			log.Warn().Err(err).Msg("discarding malformed presence")
			return
		}
		if c.handlers.OnPresence != nil {
			c.handlers.OnPresence(models.PresenceEvent{
				SessionID: c.sessionID,
				ClientID:  p.ClientID,
				Pos:       p.Pos,
			})
		}

	case gateway.EventTypeSnapshot:
		var p gateway.SnapshotPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			log.Warn().Err(err).Msg("discarding malformed snapshot")
			return
		}
		c.mu.Lock()
		err := c.mirror.ApplySnapshot(p.CanvasSnapshot)
		c.mu.Unlock()
		if err != nil {
			log.Error().Err(err).Msg("failed to apply snapshot")
			return
		}
		c.notifyChange()

	default:
		log.Debug().Str("type", string(event.Type)).Msg("ignoring event")
	}
}

// reconnect redials under backoff, resets the replica from the fresh
// snapshot, and resubmits every unconfirmed edit.
func (c *Client) reconnect() error {
	clientID := c.ClientID()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = c.config.ReconnectMaxWait
	bo.MaxElapsedTime = c.config.ReconnectWindow

	var (
		conn *websocket.Conn
		snap models.CanvasSnapshot
	)
	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout)
		defer cancel()
		cn, sn, _, err := c.dial(ctx, clientID)
		if err != nil {
			log.Warn().Err(err).Msg("reconnect attempt failed")
			return err
		}
		conn, snap = cn, sn
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	if err := c.mirror.ApplySnapshot(snap); err != nil {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("apply reconnect snapshot: %w", err)
	}
	pending := c.mirror.Pending()
	c.mu.Unlock()

	for _, edit := range pending {
		edit.SessionID = c.sessionID
		if err := c.sendEdit(edit); err != nil {
			// the fresh connection died already; the read loop redials
			log.Warn().Err(err).Msg("resubmit interrupted")
			break
		}
	}

	log.Info().
		Str("session_id", c.sessionID.String()).
		Str("client_id", clientID).
		Int("resubmitted", len(pending)).
		Msg("reconnected")
	c.notifyChange()
	return nil
}

func (c *Client) sendEdit(edit models.Edit) error {
	event, err := gateway.NewEditEvent(edit)
	if err != nil {
		return err
	}
	return c.send(event)
}

func (c *Client) send(event *gateway.CanvasEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) notifyChange() {
	if c.handlers.OnChange != nil {
		c.handlers.OnChange()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
