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

// Session owns one canvas and the logical clock that orders edits to it.
// A single mutex serializes the stamp-and-apply pair, so every accepted
// edit receives a strictly increasing timestamp and lands atomically.
// Fan-out to subscribers happens under the same lock to preserve
// application order, but sends never block (see fanOut).
type Session struct {
	ID        uuid.UUID
	CreatedAt time.Time

	mu         sync.Mutex
	canvas     *canvas.Canvas
	seq        sequencer
	clients    map[string]*clientState
	subs       map[string]*Subscription
	emptySince time.Time
	persistent bool
	closed     bool
	nextUID    int

	cooldown  time.Duration
	subBuffer int
	clock     clockwork.Clock
}

type clientState struct {
	lastAccept time.Time
	presence   bool
	cursor     models.Coord
	hasCursor  bool
}

func newSession(id uuid.UUID, cv *canvas.Canvas, cooldown time.Duration, subBuffer int, clock clockwork.Clock) *Session {
	return &Session{
		ID:         id,
		CreatedAt:  clock.Now(),
		canvas:     cv,
		clients:    make(map[string]*clientState),
		subs:       make(map[string]*Subscription),
		emptySince: clock.Now(),
		cooldown:   cooldown,
		subBuffer:  subBuffer,
		clock:      clock,
	}
}

// Join registers a client and opens its feed subscription. An empty
// clientID gets a server-assigned one. The returned snapshot and
// subscription are consistent: every update stamped after Snapshot.AsOfSeq
// arrives on the subscription, none is lost in between.
func (s *Session) Join(clientID string) (*JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if clientID == "" {
		for {
			s.nextUID++
			clientID = fmt.Sprintf("u%d", s.nextUID)
			if _, ok := s.clients[clientID]; !ok {
				break
			}
		}
	} else if _, ok := s.clients[clientID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrClientTaken, clientID)
	}
	s.clients[clientID] = &clientState{}
	sub := newSubscription(clientID, s.subBuffer)
	s.subs[clientID] = sub
	s.emptySince = time.Time{}
	return &JoinResult{
		ClientID: clientID,
		Snapshot: s.canvas.Snapshot(s.seq.current()),
		Sub:      sub,
	}, nil
}

// Leave removes a client and closes its subscription. Edits already
// stamped and applied stay on the canvas.
func (s *Session) Leave(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
	}
	delete(s.clients, clientID)
	if sub, ok := s.subs[clientID]; ok {
		delete(s.subs, clientID)
		sub.close()
	}
	if len(s.clients) == 0 {
		s.emptySince = s.clock.Now()
	}
	return nil
}

// Submit stamps and applies one edit. Rejections (unknown client, out of
// bounds, cooldown) happen before a timestamp is consumed and leave the
// canvas untouched. An accepted edit is fanned out to every subscriber,
// the originator's included; transports filter on Origin.
func (s *Session) Submit(edit models.Edit) (*SubmitEditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	st, ok := s.clients[edit.ClientID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, edit.ClientID)
	}
	cell, err := s.canvas.Get(edit.Pos)
	if err != nil {
		return nil, err
	}
	if s.cooldown > 0 && !st.lastAccept.IsZero() {
		if wait := s.cooldown - s.clock.Now().Sub(st.lastAccept); wait > 0 {
			return nil, &CooldownError{Pos: edit.Pos, Cell: cell, RetryAfter: wait}
		}
	}

	stamp := models.Stamp{Seq: s.seq.next(), ClientID: edit.ClientID}
	outcome, err := s.canvas.TryApply(edit.Pos, edit.Ch, stamp)
	if err != nil {
		return nil, err
	}
	st.lastAccept = s.clock.Now()
	s.fanOut(FeedEvent{Update: &models.UpdateEvent{
		SessionID: s.ID,
		Pos:       edit.Pos,
		Cell:      models.Cell{Ch: edit.Ch, Stamp: stamp},
		Origin:    edit.ClientID,
	}})
	return &SubmitEditResult{Outcome: outcome, Stamp: stamp, LocalSeq: edit.LocalSeq}, nil
}

// Ingest applies an already-stamped update, as delivered by the relay, and
// re-broadcasts it locally when it lands. Replayed and reordered
// deliveries come back as ApplySuperseded.
func (s *Session) Ingest(ev models.UpdateEvent) (models.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	outcome, err := s.canvas.TryApply(ev.Pos, ev.Cell.Ch, ev.Cell.Stamp)
	if err != nil {
		return "", err
	}
	if outcome == models.ApplyApplied {
		s.seq.advanceTo(ev.Cell.Stamp.Seq)
		ev.SessionID = s.ID
		s.fanOut(FeedEvent{Update: &ev})
	}
	return outcome, nil
}

// Presence records a client's cursor and shares it with clients that opted
// into cursor sharing. A client opts in with its first report; that first
// call returns the known cursors of the other opted-in clients.
func (s *Session) Presence(clientID string, pos models.Coord) ([]models.PresenceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	st, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
	}
	first := !st.presence
	st.presence = true
	st.cursor = pos
	st.hasCursor = true

	var known []models.PresenceEvent
	if first {
		for id, other := range s.clients {
			if id == clientID || !other.presence || !other.hasCursor {
				continue
			}
			known = append(known, models.PresenceEvent{SessionID: s.ID, ClientID: id, Pos: other.cursor})
		}
	}
	s.fanOut(FeedEvent{Presence: &models.PresenceEvent{SessionID: s.ID, ClientID: clientID, Pos: pos}})
	return known, nil
}

// Snapshot returns a consistent copy of the canvas: every edit stamped at
// or below AsOfSeq included, nothing partial.
func (s *Session) Snapshot() models.CanvasSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvas.Snapshot(s.seq.current())
}

// Info returns the listing view of the session.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		ID:        s.ID,
		Width:     s.canvas.Width(),
		Height:    s.canvas.Height(),
		Clients:   len(s.clients),
		AsOfSeq:   s.seq.current(),
		CreatedAt: s.CreatedAt,
	}
}

// Pin marks the session persistent, keeping it out of the janitor's
// empty sweep.
func (s *Session) Pin() {
	s.mu.Lock()
	s.persistent = true
	s.mu.Unlock()
}

// Persistent reports whether the session is pinned open.
func (s *Session) Persistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistent
}

// EmptySince reports when the session last became clientless. ok is false
// while clients are connected.
func (s *Session) EmptySince() (since time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emptySince, !s.emptySince.IsZero()
}

// Close seals the session. Subscriber channels are closed, later calls
// fail with ErrSessionClosed, and the final snapshot is returned for
// archiving. Applied edits are never rolled back.
func (s *Session) Close() models.CanvasSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.close()
		}
		s.clients = make(map[string]*clientState)
	}
	return s.canvas.Snapshot(s.seq.current())
}
