package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJanitor_ClosesLingeringEmptySessions(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(Config{})
	arch := newFakeArchiver()
	app := NewApp(r, arch, nil)
	j := NewJanitor(app, r, clock, 30*time.Second, 5*time.Second)

	s := mustCreate(t, r, CreateSessionRequest{Width: 4, Height: 4})

	clock.Advance(29 * time.Second)
	j.sweep(ctx)
	_, err := r.Get(s.ID)
	require.NoError(t, err, "sessions inside the linger window stay alive")

	clock.Advance(2 * time.Second)
	j.sweep(ctx)
	_, err = r.Get(s.ID)
	require.ErrorIs(t, err, ErrUnknownSession)
	_, archived := arch.saved[s.ID]
	require.True(t, archived)
}

func TestJanitor_SkipsSessionsWithClients(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(Config{})
	app := NewApp(r, nil, nil)
	j := NewJanitor(app, r, clock, 30*time.Second, 5*time.Second)

	s := mustCreate(t, r, CreateSessionRequest{Width: 4, Height: 4})
	mustJoin(t, s, "alice")

	clock.Advance(10 * time.Minute)
	j.sweep(ctx)
	_, err := r.Get(s.ID)
	require.NoError(t, err)
}

func TestJanitor_SkipsPersistentSessions(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(Config{})
	app := NewApp(r, nil, nil)
	j := NewJanitor(app, r, clock, 30*time.Second, 5*time.Second)

	s := mustCreate(t, r, CreateSessionRequest{Width: 4, Height: 4, Persistent: true})

	clock.Advance(10 * time.Minute)
	j.sweep(ctx)
	_, err := r.Get(s.ID)
	require.NoError(t, err, "pinned sessions never expire")
}

func TestJanitor_LingerRestartsAfterLastLeave(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(Config{})
	app := NewApp(r, nil, nil)
	j := NewJanitor(app, r, clock, 30*time.Second, 5*time.Second)

	s := mustCreate(t, r, CreateSessionRequest{Width: 4, Height: 4})
	mustJoin(t, s, "alice")
	clock.Advance(10 * time.Minute)
	require.NoError(t, s.Leave("alice"))

	clock.Advance(29 * time.Second)
	j.sweep(ctx)
	_, err := r.Get(s.ID)
	require.NoError(t, err, "the linger window counts from the last leave")

	clock.Advance(2 * time.Second)
	j.sweep(ctx)
	_, err = r.Get(s.ID)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	r, clock := newTestRegistry(Config{})
	app := NewApp(r, nil, nil)
	j := NewJanitor(app, r, clock, time.Minute, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on context cancel")
	}
}
