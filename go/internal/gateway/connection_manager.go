package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/models"
	"github.com/newsch/collascii-go/go/internal/session"
)

// CanvasApp is the slice of the session layer the connection manager drives
// on behalf of connected clients.
type CanvasApp interface {
	Join(ctx context.Context, sessionID uuid.UUID, clientID string) (*session.JoinResult, error)
	Leave(ctx context.Context, sessionID uuid.UUID, clientID string) error
	SubmitEdit(ctx context.Context, edit models.Edit) (*session.SubmitEditResult, error)
	UpdatePresence(ctx context.Context, sessionID uuid.UUID, clientID string, pos models.Coord) ([]models.PresenceEvent, error)
}

// ConnectionManager manages WebSocket connections for canvas sessions
type ConnectionManager struct {
	// Connection pools organized by session ID
	sessionConnections map[uuid.UUID]map[*Connection]bool
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	app      CanvasApp
}

// Connection represents a single client WebSocket connection
type Connection struct {
	ws        *websocket.Conn
	Send      chan []byte
	SessionID uuid.UUID
	ClientID  string
	manager   *ConnectionManager
	sub       *session.Subscription

	done      chan struct{}
	closeOnce sync.Once
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConnectionConfig returns sensible defaults
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     256,
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(app CanvasApp, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		sessionConnections: make(map[uuid.UUID]map[*Connection]bool),
		app:                app,
		config:             config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins for development
				return true
			},
		},
	}
}

// Connect joins the client to the session, upgrades the HTTP connection and
// starts the connection's pumps. The snapshot event is queued before the
// feed is consumed, so the client always receives state before diffs.
func (cm *ConnectionManager) Connect(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID, clientID string) (*Connection, error) {
	join, err := cm.app.Join(r.Context(), sessionID, clientID)
	if err != nil {
		return nil, err
	}

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.leave(sessionID, join.ClientID)
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := &Connection{
		ws:        ws,
		Send:      make(chan []byte, cm.config.SendBuffer),
		SessionID: sessionID,
		ClientID:  join.ClientID,
		manager:   cm,
		sub:       join.Sub,
		done:      make(chan struct{}),
	}

	event, err := NewSnapshotEvent(sessionID, join.ClientID, join.Snapshot)
	if err != nil {
		ws.Close()
		cm.leave(sessionID, join.ClientID)
		return nil, err
	}
	data, err := json.Marshal(event)
	if err != nil {
		ws.Close()
		cm.leave(sessionID, join.ClientID)
		return nil, fmt.Errorf("failed to marshal snapshot event: %w", err)
	}
	conn.Send <- data

	cm.registerConnection(conn)

	go conn.writePump()
	go conn.readPump()
	go conn.forwardPump()

	log.Info().
		Str("session_id", sessionID.String()).
		Str("client_id", join.ClientID).
		Msg("WebSocket connection established")

	return conn, nil
}

// registerConnection adds a connection to the appropriate session pool
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.sessionConnections[conn.SessionID] == nil {
		cm.sessionConnections[conn.SessionID] = make(map[*Connection]bool)
	}
	cm.sessionConnections[conn.SessionID][conn] = true

	log.Info().
		Str("session_id", conn.SessionID.String()).
		Str("client_id", conn.ClientID).
		Int("pool_size", len(cm.sessionConnections[conn.SessionID])).
		Msg("WebSocket connection registered")
}

// unregisterConnection removes a connection from its session pool
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns, ok := cm.sessionConnections[conn.SessionID]
	if !ok || !conns[conn] {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(cm.sessionConnections, conn.SessionID)
	}

	log.Info().
		Str("session_id", conn.SessionID.String()).
		Str("client_id", conn.ClientID).
		Int("pool_size", len(conns)).
		Msg("WebSocket connection unregistered")
}

// CloseAll shuts down every connection. Used on service shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	var conns []*Connection
	for _, pool := range cm.sessionConnections {
		for conn := range pool {
			conns = append(conns, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		conn.shutdown()
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := make(map[string]interface{})
	totalConnections := 0
	sessionStats := make(map[string]int)

	for sessionID, conns := range cm.sessionConnections {
		count := len(conns)
		totalConnections += count
		sessionStats[sessionID.String()] = count
	}

	stats["total_connections"] = totalConnections
	stats["sessions"] = sessionStats
	return stats
}

func (cm *ConnectionManager) leave(sessionID uuid.UUID, clientID string) {
	err := cm.app.Leave(context.Background(), sessionID, clientID)
	if err != nil && !isGoneError(err) {
		log.Error().Err(err).
			Str("session_id", sessionID.String()).
			Str("client_id", clientID).
			Msg("Failed to leave session")
	}
}

// isGoneError reports whether err only says the session or client is already
// gone. Teardown paths race with the janitor and with stall drops, so these
// are expected.
func isGoneError(err error) bool {
	return errors.Is(err, session.ErrUnknownSession) ||
		errors.Is(err, session.ErrSessionClosed) ||
		errors.Is(err, session.ErrUnknownClient)
}

// shutdown closes the socket and wakes the pumps. Safe to call from any
// goroutine, any number of times.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case message := <-c.Send:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).
					Str("client_id", c.ClientID).
					Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump handles receiving messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregisterConnection(c)
		c.manager.leave(c.SessionID, c.ClientID)
		c.shutdown()
	}()

	c.ws.SetReadLimit(c.manager.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).
					Str("client_id", c.ClientID).
					Msg("WebSocket read error")
			}
			break
		}
		c.handleClientMessage(message)
	}
}

// forwardPump copies the session feed onto the wire. Events arrive on the
// subscription in application order and leave in that order. The client's
// own updates are skipped: the Ack already covers them.
func (c *Connection) forwardPump() {
	defer c.shutdown()

	for ev := range c.sub.C {
		var (
			event *CanvasEvent
			err   error
		)
		switch {
		case ev.Update != nil:
			if ev.Update.Origin == c.ClientID {
				continue
			}
			event, err = NewUpdateEvent(*ev.Update)
		case ev.Presence != nil:
			event, err = NewPresenceEvent(*ev.Presence)
		default:
			continue
		}
		if err != nil {
			log.Error().Err(err).
				Str("client_id", c.ClientID).
				Msg("Failed to build feed event")
			continue
		}
		c.send(event)
	}
}

// handleClientMessage dispatches one message received from the client.
func (c *Connection) handleClientMessage(message []byte) {
	var event CanvasEvent
	if err := json.Unmarshal(message, &event); err != nil {
		log.Warn().Err(err).
			Str("client_id", c.ClientID).
			Msg("Discarding malformed client message")
		return
	}

	switch event.Type {
	case EventTypeEdit:
		var payload EditPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			log.Warn().Err(err).
				Str("client_id", c.ClientID).
				Msg("Discarding malformed edit payload")
			return
		}
		c.handleEdit(payload)

	case EventTypePos:
		var payload PosPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			log.Warn().Err(err).
				Str("client_id", c.ClientID).
				Msg("Discarding malformed pos payload")
			return
		}
		c.handlePos(payload)

	default:
		log.Warn().
			Str("client_id", c.ClientID).
			Str("type", string(event.Type)).
			Msg("Ignoring unsupported client event type")
	}
}

// handleEdit submits the edit and answers with an Ack or a Rejected event.
// Rejections stay local to this connection.
func (c *Connection) handleEdit(payload EditPayload) {
	ch, err := PayloadRune(payload.Ch)
	if err != nil {
		c.sendRejected(RejectedPayload{
			LocalSeq: payload.LocalSeq,
			Reason:   RejectReasonInvalidChar,
			Pos:      payload.Pos,
		})
		return
	}

	res, err := c.manager.app.SubmitEdit(context.Background(), models.Edit{
		SessionID: c.SessionID,
		ClientID:  c.ClientID,
		Pos:       payload.Pos,
		Ch:        ch,
		LocalSeq:  payload.LocalSeq,
	})
	if err != nil {
		c.sendRejected(rejectionFor(payload, err))
		return
	}

	event, err := NewAckEvent(c.SessionID, res)
	if err != nil {
		log.Error().Err(err).
			Str("client_id", c.ClientID).
			Msg("Failed to build ack event")
		return
	}
	c.send(event)
}

// handlePos forwards the cursor report. The first report from a client
// returns the cursors already known, which are played back to it so it can
// render them without waiting for movement.
func (c *Connection) handlePos(payload PosPayload) {
	known, err := c.manager.app.UpdatePresence(context.Background(), c.SessionID, c.ClientID, payload.Pos)
	if err != nil {
		log.Warn().Err(err).
			Str("client_id", c.ClientID).
			Msg("Failed to update presence")
		return
	}
	for _, pe := range known {
		event, err := NewPresenceEvent(pe)
		if err != nil {
			log.Error().Err(err).
				Str("client_id", c.ClientID).
				Msg("Failed to build presence event")
			continue
		}
		c.send(event)
	}
}

// rejectionFor maps a submit error onto the wire payload. Cooldown carries
// the authoritative cell so the client can revert its optimistic write.
func rejectionFor(payload EditPayload, err error) RejectedPayload {
	rej := RejectedPayload{
		LocalSeq: payload.LocalSeq,
		Reason:   RejectReasonInternal,
		Pos:      payload.Pos,
	}
	var cdErr *session.CooldownError
	switch {
	case errors.As(err, &cdErr):
		rej.Reason = RejectReasonCooldown
		rej.Ch = string(cdErr.Cell.Ch)
		stamp := cdErr.Cell.Stamp
		rej.Stamp = &stamp
		rej.RetryAfterMS = cdErr.RetryAfter.Milliseconds()
	case errors.Is(err, canvas.ErrOutOfBounds):
		rej.Reason = RejectReasonOutOfBounds
	case errors.Is(err, session.ErrInvalidChar):
		rej.Reason = RejectReasonInvalidChar
	}
	return rej
}

func (c *Connection) sendRejected(payload RejectedPayload) {
	event, err := NewRejectedEvent(c.SessionID, payload)
	if err != nil {
		log.Error().Err(err).
			Str("client_id", c.ClientID).
			Msg("Failed to build rejected event")
		return
	}
	c.send(event)
}

// send queues one event for the write pump. A full buffer means the client
// stopped reading; the connection is dropped rather than blocking the feed.
func (c *Connection) send(event *CanvasEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).
			Str("client_id", c.ClientID).
			Msg("Failed to marshal event")
		return
	}
	select {
	case c.Send <- data:
	case <-c.done:
	default:
		log.Warn().
			Str("session_id", c.SessionID.String()).
			Str("client_id", c.ClientID).
			Msg("Client send buffer full, dropping connection")
		c.shutdown()
	}
}
