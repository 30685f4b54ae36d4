package session

import (
	"github.com/rs/zerolog/log"
)

// Subscription is one client's ordered view of a session's feed. Events
// arrive in application order, the same relative order for every
// subscriber. A subscriber that stops draining is dropped: its channel is
// closed and the client has to rejoin.
type Subscription struct {
	ClientID string
	C        <-chan FeedEvent

	ch     chan FeedEvent
	closed bool // guarded by the owning session's mutex
}

func newSubscription(clientID string, buffer int) *Subscription {
	ch := make(chan FeedEvent, buffer)
	return &Subscription{ClientID: clientID, C: ch, ch: ch}
}

func (sub *Subscription) close() {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// fanOut pushes one event to every subscriber. It runs under the session
// mutex so all subscribers observe the same order, and it never blocks:
// a subscriber with a full buffer is dropped on the spot so one stalled
// reader cannot delay the others or the next stamp-and-apply.
//
// Presence events only go to clients that opted into cursor sharing, and
// never back to their originator.
func (s *Session) fanOut(ev FeedEvent) {
	for id, sub := range s.subs {
		if ev.Presence != nil {
			st := s.clients[id]
			if st == nil || !st.presence || id == ev.Presence.ClientID {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("session_id", s.ID.String()).
				Str("client_id", id).
				Msg("subscriber stalled, dropping from feed")
			delete(s.subs, id)
			sub.close()
		}
	}
}
