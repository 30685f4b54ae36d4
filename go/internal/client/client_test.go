package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/newsch/collascii-go/go/internal/gateway"
	"github.com/newsch/collascii-go/go/internal/models"
	"github.com/newsch/collascii-go/go/internal/session"
)

func newTestServer(t *testing.T) (*gateway.Service, *httptest.Server) {
	t.Helper()
	registry := session.NewRegistry(session.Config{
		DefaultWidth:     8,
		DefaultHeight:    4,
		SubscriberBuffer: 16,
	}, clockwork.NewRealClock())
	app := session.NewApp(registry, nil, nil)
	svc := gateway.NewService(app, gateway.DefaultConfig())

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return svc, server
}

func createSession(t *testing.T, server *httptest.Server, body gateway.CreateSessionBody) uuid.UUID {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/api/sessions", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var summary gateway.SessionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	id, err := uuid.Parse(summary.ID)
	require.NoError(t, err)
	return id
}

func testConfig(server *httptest.Server) Config {
	return Config{
		BaseURL:          strings.TrimPrefix(server.URL, "http://"),
		HandshakeTimeout: 2 * time.Second,
		SnapshotTimeout:  2 * time.Second,
		ReconnectMaxWait: 100 * time.Millisecond,
		ReconnectWindow:  5 * time.Second,
	}
}

func cellAt(snap models.CanvasSnapshot, x, y int) byte {
	return snap.Rows()[y][x]
}

func TestDial_RequiresBaseURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{}, uuid.New(), "alice", Handlers{})
	require.Error(t, err)
}

func TestDial_UnknownSession(t *testing.T) {
	_, server := newTestServer(t)
	_, err := Dial(context.Background(), testConfig(server), uuid.New(), "alice", Handlers{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestDial_RejectsNonSnapshotGreeting(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		event, err := gateway.NewPosEvent(uuid.New(), models.Coord{X: 0, Y: 0})
		if err != nil {
			return
		}
		data, _ := json.Marshal(event)
		conn.WriteMessage(websocket.TextMessage, data)
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(server.Close)

	cfg := Config{BaseURL: strings.TrimPrefix(server.URL, "http://")}
	_, err := Dial(context.Background(), cfg, uuid.New(), "alice", Handlers{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected snapshot greeting")
}

func TestClient_EditRoundTrip(t *testing.T) {
	_, server := newTestServer(t)
	sessionID := createSession(t, server, gateway.CreateSessionBody{Width: 8, Height: 4})

	cl, err := Dial(context.Background(), testConfig(server), sessionID, "alice", Handlers{})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	require.Equal(t, "alice", cl.ClientID())
	view := cl.View()
	require.Equal(t, 8, view.Width)
	require.Equal(t, 4, view.Height)
	require.Equal(t, strings.Repeat(" ", 8), view.Rows()[1])

	require.NoError(t, cl.SetCell(models.Coord{X: 2, Y: 1}, '#'))
	// the edit draws before the server answers
	require.EqualValues(t, '#', cellAt(cl.View(), 2, 1))
	require.Equal(t, 1, cl.PendingCount())

	require.Eventually(t, func() bool {
		return cl.PendingCount() == 0
	}, 3*time.Second, 10*time.Millisecond, "edit was never acked")
	require.EqualValues(t, '#', cellAt(cl.View(), 2, 1))
}

func TestClient_ServerAssignsID(t *testing.T) {
	_, server := newTestServer(t)
	sessionID := createSession(t, server, gateway.CreateSessionBody{})

	cl, err := Dial(context.Background(), testConfig(server), sessionID, "", Handlers{})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	require.NotEmpty(t, cl.ClientID())
}

func TestClient_SeesRemoteEdits(t *testing.T) {
	_, server := newTestServer(t)
	sessionID := createSession(t, server, gateway.CreateSessionBody{Width: 8, Height: 4})

	changed := make(chan struct{}, 64)
	alice, err := Dial(context.Background(), testConfig(server), sessionID, "alice", Handlers{})
	require.NoError(t, err)
	t.Cleanup(func() { alice.Close() })

	bob, err := Dial(context.Background(), testConfig(server), sessionID, "bob", Handlers{
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { bob.Close() })

	require.NoError(t, alice.SetCell(models.Coord{X: 5, Y: 2}, '*'))

	require.Eventually(t, func() bool {
		return cellAt(bob.View(), 5, 2) == '*'
	}, 3*time.Second, 10*time.Millisecond, "bob never saw alice's edit")

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("OnChange was never called")
	}
}

func TestClient_SharesCursorPresence(t *testing.T) {
	_, server := newTestServer(t)
	sessionID := createSession(t, server, gateway.CreateSessionBody{Width: 8, Height: 4})

	presence := make(chan models.PresenceEvent, 8)
	alice, err := Dial(context.Background(), testConfig(server), sessionID, "alice", Handlers{})
	require.NoError(t, err)
	t.Cleanup(func() { alice.Close() })

	bob, err := Dial(context.Background(), testConfig(server), sessionID, "bob", Handlers{
		OnPresence: func(ev models.PresenceEvent) { presence <- ev },
	})
	require.NoError(t, err)
	t.Cleanup(func() { bob.Close() })

	require.NoError(t, alice.MoveCursor(models.Coord{X: 3, Y: 2}))

	select {
	case ev := <-presence:
		require.Equal(t, "alice", ev.ClientID)
		require.Equal(t, models.Coord{X: 3, Y: 2}, ev.Pos)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never saw alice's cursor")
	}
}

func TestClient_RejectionRevertsOptimisticEdit(t *testing.T) {
	_, server := newTestServer(t)
	sessionID := createSession(t, server, gateway.CreateSessionBody{
		Width: 8, Height: 4, CooldownMS: 60_000,
	})

	rejected := make(chan gateway.RejectedPayload, 8)
	cl, err := Dial(context.Background(), testConfig(server), sessionID, "alice", Handlers{
		OnReject: func(p gateway.RejectedPayload) { rejected <- p },
	})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	require.NoError(t, cl.SetCell(models.Coord{X: 0, Y: 0}, 'x'))
	require.Eventually(t, func() bool {
		return cl.PendingCount() == 0
	}, 3*time.Second, 10*time.Millisecond)

	// second edit lands inside the cooldown window
	require.NoError(t, cl.SetCell(models.Coord{X: 1, Y: 0}, 'y'))
	require.EqualValues(t, 'y', cellAt(cl.View(), 1, 0))

	select {
	case p := <-rejected:
		require.Equal(t, gateway.RejectReasonCooldown, p.Reason)
		require.Greater(t, p.RetryAfterMS, int64(0))
	case <-time.After(3 * time.Second):
		t.Fatal("edit was never rejected")
	}

	require.Eventually(t, func() bool {
		return cl.PendingCount() == 0 && cellAt(cl.View(), 1, 0) == ' '
	}, 3*time.Second, 10*time.Millisecond, "rejected edit still drawn")
	require.EqualValues(t, 'x', cellAt(cl.View(), 0, 0))
}

func TestClient_OutOfBoundsEditFailsLocally(t *testing.T) {
	_, server := newTestServer(t)
	sessionID := createSession(t, server, gateway.CreateSessionBody{Width: 8, Height: 4})

	cl, err := Dial(context.Background(), testConfig(server), sessionID, "alice", Handlers{})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	require.Error(t, cl.SetCell(models.Coord{X: 99, Y: 0}, '#'))
	require.Equal(t, 0, cl.PendingCount())
}

func TestClient_ReconnectResubmitsPending(t *testing.T) {
	svc, server := newTestServer(t)
	sessionID := createSession(t, server, gateway.CreateSessionBody{Width: 8, Height: 4})

	cl, err := Dial(context.Background(), testConfig(server), sessionID, "alice", Handlers{})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	// stage an edit without submitting it, as if the connection died with
	// the frame in flight
	cl.mu.Lock()
	_, err = cl.mirror.Stage(sessionID, models.Coord{X: 4, Y: 3}, '@')
	cl.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, 1, cl.PendingCount())

	svc.Stop()

	require.Eventually(t, func() bool {
		return cl.PendingCount() == 0
	}, 5*time.Second, 20*time.Millisecond, "pending edit was never resubmitted")
	require.EqualValues(t, '@', cellAt(cl.View(), 4, 3))

	// the replica keeps working on the new connection
	require.NoError(t, cl.SetCell(models.Coord{X: 0, Y: 0}, '!'))
	require.Eventually(t, func() bool {
		return cl.PendingCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	_, server := newTestServer(t)
	sessionID := createSession(t, server, gateway.CreateSessionBody{})

	cl, err := Dial(context.Background(), testConfig(server), sessionID, "alice", Handlers{})
	require.NoError(t, err)

	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())
	require.ErrorIs(t, cl.SetCell(models.Coord{X: 0, Y: 0}, '#'), ErrClosed)

	select {
	case <-cl.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed")
	}
}
