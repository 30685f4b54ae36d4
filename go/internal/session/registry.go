package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/models"
)

// Registry owns the live sessions. It is the in-memory store behind the
// app layer: one RWMutex guards the id map, the sessions serialize
// themselves.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	cfg   Config
	clock clockwork.Clock
}

// NewRegistry creates a registry with cfg defaults. Zero cfg fields fall
// back to DefaultConfig.
func NewRegistry(cfg Config, clock clockwork.Clock) *Registry {
	def := DefaultConfig()
	if cfg.DefaultWidth <= 0 {
		cfg.DefaultWidth = def.DefaultWidth
	}
	if cfg.DefaultHeight <= 0 {
		cfg.DefaultHeight = def.DefaultHeight
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.EmptyLinger <= 0 {
		cfg.EmptyLinger = def.EmptyLinger
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		cfg:      cfg,
		clock:    clock,
	}
}

// Create builds a session around a fresh canvas. Unset dimensions fall
// back to the registry defaults; a non-empty Seed is inserted with zero
// stamps.
func (r *Registry) Create(req CreateSessionRequest) (*Session, error) {
	width, height := req.Width, req.Height
	if width <= 0 {
		width = r.cfg.DefaultWidth
	}
	if height <= 0 {
		height = r.cfg.DefaultHeight
	}
	cv, err := canvas.New(width, height)
	if err != nil {
		return nil, fmt.Errorf("failed to create canvas: %w", err)
	}
	if req.Seed != "" {
		cv.Insert(req.Seed)
	}
	cooldown := req.Cooldown
	if cooldown <= 0 {
		cooldown = r.cfg.Cooldown
	}
	s := newSession(uuid.New(), cv, cooldown, r.cfg.SubscriberBuffer, r.clock)
	s.persistent = req.Persistent
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s, nil
}

// CreateFromSnapshot rebuilds a session under a fixed id, stamps and clock
// position included. Follower sessions and archive restores use it.
func (r *Registry) CreateFromSnapshot(id uuid.UUID, snap models.CanvasSnapshot) (*Session, error) {
	cv, err := canvas.FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild canvas: %w", err)
	}
	s := newSession(id, cv, r.cfg.Cooldown, r.cfg.SubscriberBuffer, r.clock)
	s.seq = newSequencerAt(snap.AsOfSeq)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	r.sessions[id] = s
	return s, nil
}

// Get returns the live session with the given id.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// List returns the live sessions in no particular order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Remove drops a session from the registry. The caller closes it.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Linger returns how long empty sessions are kept alive.
func (r *Registry) Linger() time.Duration {
	return r.cfg.EmptyLinger
}
