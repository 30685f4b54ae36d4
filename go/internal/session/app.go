package session

import (
	"context"
	"fmt"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/models"
)

// Store defines what the session app layer needs from the session registry
type Store interface {
	Create(req CreateSessionRequest) (*Session, error)
	CreateFromSnapshot(id uuid.UUID, snap models.CanvasSnapshot) (*Session, error)
	Get(id uuid.UUID) (*Session, error)
	List() []*Session
	Remove(id uuid.UUID)
}

// Archiver persists the final snapshot of a closing session.
type Archiver interface {
	SaveSnapshot(ctx context.Context, sessionID uuid.UUID, snap models.CanvasSnapshot) error
}

// Relay mirrors locally applied updates to other nodes. Implementations
// must not block: they are called on the submit path after the session
// lock is released.
type Relay interface {
	RelayUpdate(ev models.UpdateEvent)
}

// App handles session business logic. Transports, the relay and the
// janitor all funnel through it.
type App struct {
	store    Store
	archiver Archiver
	relay    Relay
}

// NewApp creates a new session App. archiver and relay may be nil when
// snapshots are not persisted or the node runs alone.
func NewApp(store Store, archiver Archiver, relay Relay) *App {
	return &App{
		store:    store,
		archiver: archiver,
		relay:    relay,
	}
}

// CreateSession creates a new session with validation.
func (a *App) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.SessionInfo, error) {
	if err := a.validateCreateSessionRequest(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	s, err := a.store.Create(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	info := s.Info()
	log.Info().
		Str("session_id", info.ID.String()).
		Int("width", info.Width).
		Int("height", info.Height).
		Msg("session created")
	return &info, nil
}

// RestoreSession rebuilds a session from an archived snapshot under its
// original id.
func (a *App) RestoreSession(ctx context.Context, id uuid.UUID, snap models.CanvasSnapshot) (*models.SessionInfo, error) {
	s, err := a.store.CreateFromSnapshot(id, snap)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	info := s.Info()
	log.Info().
		Str("session_id", info.ID.String()).
		Uint64("as_of_seq", info.AsOfSeq).
		Msg("session restored from snapshot")
	return &info, nil
}

// Join registers a client with a session and opens its feed.
func (a *App) Join(ctx context.Context, sessionID uuid.UUID, clientID string) (*JoinResult, error) {
	s, err := a.store.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	res, err := s.Join(clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Str("client_id", res.ClientID).
		Msg("client joined")
	return res, nil
}

// Leave unregisters a client from a session.
func (a *App) Leave(ctx context.Context, sessionID uuid.UUID, clientID string) error {
	s, err := a.store.Get(sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if err := s.Leave(clientID); err != nil {
		return fmt.Errorf("failed to leave session: %w", err)
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Str("client_id", clientID).
		Msg("client left")
	return nil
}

// SubmitEdit validates, stamps and applies one edit, and acknowledges the
// result to the submitter. Rejections are synchronous and local to the
// submitter; they never disturb other clients.
func (a *App) SubmitEdit(ctx context.Context, edit models.Edit) (*SubmitEditResult, error) {
	if err := a.validateEdit(edit); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	s, err := a.store.Get(edit.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	res, err := s.Submit(edit)
	if err != nil {
		return nil, err
	}
	if a.relay != nil {
		a.relay.RelayUpdate(models.UpdateEvent{
			SessionID: edit.SessionID,
			Pos:       edit.Pos,
			Cell:      models.Cell{Ch: edit.Ch, Stamp: res.Stamp},
			Origin:    edit.ClientID,
		})
	}
	return res, nil
}

// UpdatePresence records a client's cursor position. The first report from
// a client opts it into cursor sharing and returns the cursors it missed.
func (a *App) UpdatePresence(ctx context.Context, sessionID uuid.UUID, clientID string, pos models.Coord) ([]models.PresenceEvent, error) {
	s, err := a.store.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	known, err := s.Presence(clientID, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to update presence: %w", err)
	}
	return known, nil
}

// GetSnapshot returns a consistent snapshot of a session's canvas.
func (a *App) GetSnapshot(ctx context.Context, sessionID uuid.UUID) (models.CanvasSnapshot, error) {
	s, err := a.store.Get(sessionID)
	if err != nil {
		return models.CanvasSnapshot{}, fmt.Errorf("failed to get session: %w", err)
	}
	return s.Snapshot(), nil
}

// ListSessions returns the listing view of every live session.
func (a *App) ListSessions(ctx context.Context) []models.SessionInfo {
	sessions := a.store.List()
	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// IngestUpdate applies an already-stamped update into a session, as
// delivered by the relay. Replays come back as ApplySuperseded.
func (a *App) IngestUpdate(ctx context.Context, ev models.UpdateEvent) (models.ApplyOutcome, error) {
	s, err := a.store.Get(ev.SessionID)
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	outcome, err := s.Ingest(ev)
	if err != nil {
		return "", fmt.Errorf("failed to ingest update: %w", err)
	}
	return outcome, nil
}

// CloseSession seals a session, archives its final snapshot when an
// archiver is wired, and drops it from the registry.
func (a *App) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	s, err := a.store.Get(sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	snap := s.Close()
	a.store.Remove(sessionID)
	if a.archiver != nil {
		if err := a.archiver.SaveSnapshot(ctx, sessionID, snap); err != nil {
			log.Error().Err(err).
				Str("session_id", sessionID.String()).
				Msg("failed to archive session snapshot")
		}
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Uint64("as_of_seq", snap.AsOfSeq).
		Msg("session closed")
	return nil
}

func (a *App) validateCreateSessionRequest(req CreateSessionRequest) error {
	if req.Width < 0 || req.Height < 0 {
		return fmt.Errorf("dimensions must not be negative: %dx%d", req.Width, req.Height)
	}
	if req.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative: %s", req.Cooldown)
	}
	return nil
}

func (a *App) validateEdit(edit models.Edit) error {
	if edit.ClientID == "" {
		return fmt.Errorf("%w: empty client id", ErrUnknownClient)
	}
	if !unicode.IsPrint(edit.Ch) {
		return fmt.Errorf("%w: %q", ErrInvalidChar, edit.Ch)
	}
	return nil
}
