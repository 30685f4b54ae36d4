package session

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/models"
)

func newTestRegistry(cfg Config) (*Registry, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewRegistry(cfg, clock), clock
}

func mustCreate(t *testing.T, r *Registry, req CreateSessionRequest) *Session {
	t.Helper()
	s, err := r.Create(req)
	require.NoError(t, err)
	return s
}

func mustJoin(t *testing.T, s *Session, clientID string) *JoinResult {
	t.Helper()
	res, err := s.Join(clientID)
	require.NoError(t, err)
	return res
}

func submitOK(t *testing.T, s *Session, clientID string, x, y int, ch rune) *SubmitEditResult {
	t.Helper()
	res, err := s.Submit(models.Edit{
		SessionID: s.ID,
		ClientID:  clientID,
		Pos:       models.Coord{X: x, Y: y},
		Ch:        ch,
	})
	require.NoError(t, err)
	require.Equal(t, models.ApplyApplied, res.Outcome)
	return res
}

func drainUpdates(sub *Subscription) []models.UpdateEvent {
	var out []models.UpdateEvent
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			if ev.Update != nil {
				out = append(out, *ev.Update)
			}
		default:
			return out
		}
	}
}

func TestSession_StampsAreStrictlyIncreasing(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	mustJoin(t, s, "alice")
	mustJoin(t, s, "bob")

	var last uint64
	for i := 0; i < 5; i++ {
		for _, client := range []string{"alice", "bob"} {
			res := submitOK(t, s, client, i, i, 'x')
			require.Greater(t, res.Stamp.Seq, last, "timestamps must strictly increase")
			require.Equal(t, client, res.Stamp.ClientID)
			last = res.Stamp.Seq
		}
	}
}

func TestSession_OutOfBoundsConsumesNoTimestamp(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	mustJoin(t, s, "alice")

	_, err := s.Submit(models.Edit{ClientID: "alice", Pos: models.Coord{X: 10, Y: 10}, Ch: '#'})
	require.ErrorIs(t, err, canvas.ErrOutOfBounds)

	res := submitOK(t, s, "alice", 9, 9, '#')
	require.Equal(t, uint64(1), res.Stamp.Seq, "a rejected edit must not consume a timestamp")
}

func TestSession_UnknownClientRejected(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 4, Height: 4})

	_, err := s.Submit(models.Edit{ClientID: "ghost", Pos: models.Coord{X: 0, Y: 0}, Ch: 'x'})
	require.ErrorIs(t, err, ErrUnknownClient)
}

func TestSession_JoinAssignsClientIDs(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 4, Height: 4})

	first := mustJoin(t, s, "")
	second := mustJoin(t, s, "")
	require.Equal(t, "u1", first.ClientID)
	require.Equal(t, "u2", second.ClientID)

	_, err := s.Join("u1")
	require.ErrorIs(t, err, ErrClientTaken)
}

func TestSession_JoinSnapshotIsConsistentWithFeed(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	mustJoin(t, s, "alice")
	submitOK(t, s, "alice", 0, 0, 'a')
	submitOK(t, s, "alice", 1, 0, 'b')
	submitOK(t, s, "alice", 2, 0, 'c')

	joined := mustJoin(t, s, "bob")
	require.Equal(t, uint64(3), joined.Snapshot.AsOfSeq)
	require.Equal(t, 'b', joined.Snapshot.At(models.Coord{X: 1, Y: 0}).Ch)
	require.Empty(t, drainUpdates(joined.Sub), "no update at or below the snapshot seq may reach the feed")

	submitOK(t, s, "alice", 3, 0, 'd')
	updates := drainUpdates(joined.Sub)
	require.Len(t, updates, 1)
	require.Equal(t, uint64(4), updates[0].Cell.Stamp.Seq)
}

func TestSession_SubscribersSeeSameOrder(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	alice := mustJoin(t, s, "alice")
	bob := mustJoin(t, s, "bob")

	submitOK(t, s, "alice", 0, 0, 'a')
	submitOK(t, s, "bob", 5, 5, 'b')
	submitOK(t, s, "alice", 3, 3, 'c')

	aliceSeqs := []uint64{}
	for _, ev := range drainUpdates(alice.Sub) {
		aliceSeqs = append(aliceSeqs, ev.Cell.Stamp.Seq)
	}
	bobSeqs := []uint64{}
	for _, ev := range drainUpdates(bob.Sub) {
		bobSeqs = append(bobSeqs, ev.Cell.Stamp.Seq)
	}
	require.Equal(t, []uint64{1, 2, 3}, aliceSeqs, "feed must follow application order")
	require.Equal(t, aliceSeqs, bobSeqs, "all subscribers must observe the same order")
}

func TestSession_StalledSubscriberIsDropped(t *testing.T) {
	r, _ := newTestRegistry(Config{SubscriberBuffer: 1})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	stalled := mustJoin(t, s, "stalled")
	mustJoin(t, s, "writer")

	submitOK(t, s, "writer", 0, 0, 'a')
	submitOK(t, s, "writer", 1, 0, 'b')

	ev, ok := <-stalled.Sub.C
	require.True(t, ok)
	require.Equal(t, uint64(1), ev.Update.Cell.Stamp.Seq)
	_, ok = <-stalled.Sub.C
	require.False(t, ok, "a stalled subscriber's channel must be closed, not blocked")

	submitOK(t, s, "writer", 2, 0, 'c')
}

func TestSession_CooldownRejectsEarlyEdit(t *testing.T) {
	r, clock := newTestRegistry(Config{Cooldown: 5 * time.Second})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	mustJoin(t, s, "alice")

	submitOK(t, s, "alice", 0, 0, 'a')

	_, err := s.Submit(models.Edit{ClientID: "alice", Pos: models.Coord{X: 0, Y: 0}, Ch: 'b'})
	require.ErrorIs(t, err, ErrCooldown)
	var cdErr *CooldownError
	require.ErrorAs(t, err, &cdErr)
	require.Equal(t, 'a', cdErr.Cell.Ch, "rejection must carry the authoritative cell")
	require.Equal(t, 5*time.Second, cdErr.RetryAfter)

	clock.Advance(5 * time.Second)
	res := submitOK(t, s, "alice", 0, 0, 'b')
	require.Equal(t, uint64(2), res.Stamp.Seq, "the rejected edit must not have consumed a timestamp")
}

func TestSession_CooldownIsPerClient(t *testing.T) {
	r, _ := newTestRegistry(Config{Cooldown: 5 * time.Second})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	mustJoin(t, s, "alice")
	mustJoin(t, s, "bob")

	submitOK(t, s, "alice", 0, 0, 'a')
	submitOK(t, s, "bob", 1, 0, 'b')
}

func TestSession_PresenceOptInAndFanOut(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	alice := mustJoin(t, s, "alice")
	bob := mustJoin(t, s, "bob")
	carol := mustJoin(t, s, "carol")

	known, err := s.Presence("alice", models.Coord{X: 1, Y: 1})
	require.NoError(t, err)
	require.Empty(t, known, "first opted-in client has nobody to learn about")

	known, err = s.Presence("bob", models.Coord{X: 2, Y: 2})
	require.NoError(t, err)
	require.Len(t, known, 1)
	require.Equal(t, "alice", known[0].ClientID)
	require.Equal(t, models.Coord{X: 1, Y: 1}, known[0].Pos)

	// alice opted in, so she sees bob's report; bob never hears his own;
	// carol never opted in and hears nothing.
	var alicePresence []models.PresenceEvent
	for {
		select {
		case ev := <-alice.Sub.C:
			if ev.Presence != nil {
				alicePresence = append(alicePresence, *ev.Presence)
			}
			continue
		default:
		}
		break
	}
	require.Len(t, alicePresence, 1)
	require.Equal(t, "bob", alicePresence[0].ClientID)

	select {
	case ev := <-bob.Sub.C:
		require.Nil(t, ev.Presence, "originator must not receive its own presence")
	default:
	}
	select {
	case ev := <-carol.Sub.C:
		require.Nil(t, ev.Presence, "clients that did not opt in receive no presence")
	default:
	}
}

func TestSession_IngestIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	leader := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	follower, err := r.CreateFromSnapshot(leader.ID, leader.Snapshot())
	require.Error(t, err, "follower may not reuse a live session id in the same registry")

	follower, err = r.CreateFromSnapshot(uuid.New(), leader.Snapshot())
	require.NoError(t, err)

	ev := models.UpdateEvent{
		SessionID: follower.ID,
		Pos:       models.Coord{X: 4, Y: 4},
		Cell:      models.Cell{Ch: 'z', Stamp: models.Stamp{Seq: 7, ClientID: "remote"}},
		Origin:    "remote",
	}
	outcome, err := follower.Ingest(ev)
	require.NoError(t, err)
	require.Equal(t, models.ApplyApplied, outcome)
	require.Equal(t, uint64(7), follower.Info().AsOfSeq, "ingest must advance the follower clock")

	outcome, err = follower.Ingest(ev)
	require.NoError(t, err)
	require.Equal(t, models.ApplySuperseded, outcome, "replayed delivery must be a no-op")

	_, err = follower.Ingest(models.UpdateEvent{
		Pos:  models.Coord{X: 99, Y: 99},
		Cell: models.Cell{Ch: 'z', Stamp: models.Stamp{Seq: 8, ClientID: "remote"}},
	})
	require.ErrorIs(t, err, canvas.ErrOutOfBounds)
}

func TestSession_LeaveAndEmptySince(t *testing.T) {
	r, clock := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 4, Height: 4})

	_, empty := s.EmptySince()
	require.True(t, empty, "a fresh session with no clients counts as empty")

	mustJoin(t, s, "alice")
	_, empty = s.EmptySince()
	require.False(t, empty)

	require.ErrorIs(t, s.Leave("ghost"), ErrUnknownClient)
	require.NoError(t, s.Leave("alice"))
	since, empty := s.EmptySince()
	require.True(t, empty)
	require.Equal(t, clock.Now(), since)
}

func TestSession_CloseSealsTheSession(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 4, Height: 4})
	joined := mustJoin(t, s, "alice")
	submitOK(t, s, "alice", 0, 0, 'a')

	snap := s.Close()
	require.Equal(t, uint64(1), snap.AsOfSeq)
	require.Equal(t, 'a', snap.At(models.Coord{X: 0, Y: 0}).Ch, "applied edits survive into the final snapshot")

	drainUpdates(joined.Sub)
	_, ok := <-joined.Sub.C
	require.False(t, ok, "closing must close subscriber channels")

	_, err := s.Submit(models.Edit{ClientID: "alice", Pos: models.Coord{X: 0, Y: 0}, Ch: 'x'})
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Join("bob")
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_SeededCanvasIsEditable(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 8, Height: 2, Seed: "hello"})
	joined := mustJoin(t, s, "alice")
	require.Equal(t, 'h', joined.Snapshot.At(models.Coord{X: 0, Y: 0}).Ch)
	require.True(t, joined.Snapshot.At(models.Coord{X: 0, Y: 0}).Stamp.IsZero())

	submitOK(t, s, "alice", 0, 0, 'H')
}

func TestRegistry_GetUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	_, err := r.Get(uuid.New())
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestRegistry_DefaultDimensions(t *testing.T) {
	r, _ := newTestRegistry(Config{DefaultWidth: 12, DefaultHeight: 5})
	s := mustCreate(t, r, CreateSessionRequest{})
	info := s.Info()
	require.Equal(t, 12, info.Width)
	require.Equal(t, 5, info.Height)
}

func TestSession_ErrorsDoNotDisturbOtherClients(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := mustCreate(t, r, CreateSessionRequest{Width: 10, Height: 10})
	mustJoin(t, s, "alice")
	bob := mustJoin(t, s, "bob")

	_, err := s.Submit(models.Edit{ClientID: "alice", Pos: models.Coord{X: -1, Y: 0}, Ch: 'x'})
	require.Error(t, err)

	submitOK(t, s, "bob", 0, 0, 'b')
	updates := drainUpdates(bob.Sub)
	require.Len(t, updates, 1, "a rejected edit must not produce a broadcast")
	require.Equal(t, "bob", updates[0].Origin)
	require.False(t, errors.Is(err, ErrSessionClosed))
}
