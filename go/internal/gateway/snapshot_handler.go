package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/models"
	"github.com/newsch/collascii-go/go/internal/session"
)

// SnapshotProvider is the slice of the session layer the HTTP read side
// consumes.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, sessionID uuid.UUID) (models.CanvasSnapshot, error)
	ListSessions(ctx context.Context) []models.SessionInfo
	CreateSession(ctx context.Context, req session.CreateSessionRequest) (*models.SessionInfo, error)
}

// SessionSummary is one entry of the session listing.
type SessionSummary struct {
	ID        string    `json:"id"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Clients   int       `json:"clients"`
	AsOfSeq   uint64    `json:"as_of_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotResponse is the response body for a snapshot request. Rows holds
// the canvas content row by row, top to bottom.
type SnapshotResponse struct {
	SessionID string   `json:"session_id"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	AsOfSeq   uint64   `json:"as_of_seq"`
	Rows      []string `json:"rows"`
}

// CreateSessionBody is the request body for creating a session. Zero
// dimensions fall back to the server defaults.
type CreateSessionBody struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Seed       string `json:"seed,omitempty"`
	CooldownMS int64  `json:"cooldown_ms,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
}

// SnapshotHandler serves the session read side over plain HTTP.
type SnapshotHandler struct {
	provider SnapshotProvider
}

// NewSnapshotHandler creates a new snapshot HTTP handler
func NewSnapshotHandler(provider SnapshotProvider) *SnapshotHandler {
	return &SnapshotHandler{provider: provider}
}

// HandleSessions serves the session collection.
//
//	GET  /api/sessions  lists live sessions
//	POST /api/sessions  creates a session
func (h *SnapshotHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listSessions(w, r)
	case http.MethodPost:
		h.createSession(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleGetSnapshot serves one session's canvas.
//
//	GET /api/sessions/{sessionId}/snapshot
func (h *SnapshotHandler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract session ID from URL path: /api/sessions/{sessionId}/snapshot
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionIDStr := strings.TrimSuffix(path, "/snapshot")
	if sessionIDStr == path || sessionIDStr == "" {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}

	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	snap, err := h.provider.GetSnapshot(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).
			Str("session_id", sessionID.String()).
			Msg("Failed to get session snapshot")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := SnapshotResponse{
		SessionID: sessionID.String(),
		Width:     snap.Width,
		Height:    snap.Height,
		AsOfSeq:   snap.AsOfSeq,
		Rows:      snap.Rows(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode snapshot response")
	}
}

func (h *SnapshotHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.provider.ListSessions(r.Context())
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID.String() < infos[j].ID.String()
	})

	summaries := make([]SessionSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, summaryFrom(info))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summaries); err != nil {
		log.Error().Err(err).Msg("Failed to encode session listing")
	}
}

func (h *SnapshotHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var body CreateSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Width < 0 || body.Height < 0 || body.CooldownMS < 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	info, err := h.provider.CreateSession(r.Context(), session.CreateSessionRequest{
		Width:      body.Width,
		Height:     body.Height,
		Seed:       body.Seed,
		Cooldown:   time.Duration(body.CooldownMS) * time.Millisecond,
		Persistent: body.Persistent,
	})
	if err != nil {
		if errors.Is(err, canvas.ErrBadDimensions) {
			http.Error(w, "Invalid canvas dimensions", http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Msg("Failed to create session")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(summaryFrom(*info)); err != nil {
		log.Error().Err(err).Msg("Failed to encode session summary")
	}
}

func summaryFrom(info models.SessionInfo) SessionSummary {
	return SessionSummary{
		ID:        info.ID.String(),
		Width:     info.Width,
		Height:    info.Height,
		Clients:   info.Clients,
		AsOfSeq:   info.AsOfSeq,
		CreatedAt: info.CreatedAt,
	}
}

// RegisterRoutes registers the read-side HTTP routes on the mux.
func (h *SnapshotHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", h.HandleSessions)
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/snapshot") {
			h.HandleGetSnapshot(w, r)
			return
		}
		http.NotFound(w, r)
	})
}
