package gateway

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/session"
)

// WebSocketHandler handles WebSocket connection upgrades for canvas sessions
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm}
}

// HandleCanvasConnection upgrades an HTTP request to a WebSocket connection
// for a canvas session.
//
//	GET /ws/canvas?session_id=<uuid>&client_id=<optional>
//
// An absent client_id gets a server-assigned one, reported back in the
// snapshot event.
func (h *WebSocketHandler) HandleCanvasConnection(w http.ResponseWriter, r *http.Request) {
	sessionIDStr := r.URL.Query().Get("session_id")
	if sessionIDStr == "" {
		http.Error(w, "session_id parameter required", http.StatusBadRequest)
		return
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	clientID := r.URL.Query().Get("client_id")

	if _, err := h.connectionManager.Connect(w, r, sessionID, clientID); err != nil {
		log.Error().Err(err).
			Str("session_id", sessionID.String()).
			Str("client_id", clientID).
			Msg("Failed to establish WebSocket connection")
		switch {
		case errors.Is(err, session.ErrUnknownSession):
			http.Error(w, "Session not found", http.StatusNotFound)
		case errors.Is(err, session.ErrSessionClosed):
			http.Error(w, "Session closed", http.StatusGone)
		case errors.Is(err, session.ErrClientTaken):
			http.Error(w, "Client ID already in use", http.StatusConflict)
		default:
			http.Error(w, "Failed to establish connection", http.StatusInternalServerError)
		}
	}
}
