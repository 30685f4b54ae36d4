package lineproto

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/models"
	"github.com/newsch/collascii-go/go/internal/session"
)

func startServer(t *testing.T) (*session.App, uuid.UUID, string) {
	t.Helper()
	registry := session.NewRegistry(session.Config{
		DefaultWidth:     4,
		DefaultHeight:    2,
		SubscriberBuffer: 16,
	}, clockwork.NewRealClock())
	app := session.NewApp(registry, nil, nil)
	info, err := app.CreateSession(context.Background(), session.CreateSessionRequest{
		Width:  4,
		Height: 2,
		Seed:   "hey",
	})
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewServer(app, info.ID).Serve(ctx, l)

	return app, info.ID, l.Addr().String()
}

func dialLine(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	return conn, bufio.NewReader(conn)
}

func handshake(t *testing.T, conn net.Conn, r *bufio.Reader) *canvas.Canvas {
	t.Helper()
	_, err := io.WriteString(conn, VersionReq{V: ProtocolVersion}.WireFormat())
	require.NoError(t, err)

	msg, err := ReadMessage(r)
	require.NoError(t, err)
	require.IsType(t, VersionAck{}, msg)

	msg, err = ReadMessage(r)
	require.NoError(t, err)
	cs, ok := msg.(CanvasSet)
	require.True(t, ok)
	return cs.Canvas
}

func writeLine(t *testing.T, conn net.Conn, m Message) {
	t.Helper()
	_, err := io.WriteString(conn, m.WireFormat())
	require.NoError(t, err)
}

func TestServer_HandshakeDeliversCanvas(t *testing.T) {
	_, _, addr := startServer(t)
	conn, r := dialLine(t, addr)

	cv := handshake(t, conn, r)
	require.Equal(t, 4, cv.Width())
	require.Equal(t, 2, cv.Height())
	require.Equal(t, "hey"+strings.Repeat(" ", 5), cv.Serialize())
}

func TestServer_VersionMismatchClosesConnection(t *testing.T) {
	_, _, addr := startServer(t)
	conn, r := dialLine(t, addr)

	writeLine(t, conn, VersionReq{V: Version{Major: 2, Minor: 0}})

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "Unknown version\n", line)

	_, err = r.ReadString('\n')
	require.Error(t, err)
}

func TestServer_BroadcastsToOthersOnly(t *testing.T) {
	_, _, addr := startServer(t)
	a, ra := dialLine(t, addr)
	b, rb := dialLine(t, addr)
	handshake(t, a, ra)
	handshake(t, b, rb)

	writeLine(t, a, CharSet{X: 1, Y: 0, Ch: '#'})

	msg, err := ReadMessage(rb)
	require.NoError(t, err)
	require.Equal(t, CharSet{X: 1, Y: 0, Ch: '#'}, msg)

	// a never sees its own edit echoed; the next message it reads is b's.
	writeLine(t, b, CharSet{X: 2, Y: 1, Ch: ' '})

	msg, err = ReadMessage(ra)
	require.NoError(t, err)
	require.Equal(t, CharSet{X: 2, Y: 1, Ch: ' '}, msg)
}

func TestServer_OutOfBoundsEditIsDroppedNotFatal(t *testing.T) {
	app, sessionID, addr := startServer(t)
	a, ra := dialLine(t, addr)
	b, rb := dialLine(t, addr)
	handshake(t, a, ra)
	handshake(t, b, rb)

	writeLine(t, a, CharSet{X: 99, Y: 0, Ch: 'x'})
	writeLine(t, a, CharSet{X: 0, Y: 0, Ch: 'y'})

	// Only the in-bounds edit reaches b.
	msg, err := ReadMessage(rb)
	require.NoError(t, err)
	require.Equal(t, CharSet{X: 0, Y: 0, Ch: 'y'}, msg)

	// It is also the only one stamped.
	snap, err := app.GetSnapshot(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.AsOfSeq)
	require.Equal(t, 'y', snap.At(models.Coord{X: 0, Y: 0}).Ch)
}

func TestServer_UnknownPrefixIsIgnored(t *testing.T) {
	_, _, addr := startServer(t)
	a, ra := dialLine(t, addr)
	b, rb := dialLine(t, addr)
	handshake(t, a, ra)
	handshake(t, b, rb)

	_, err := io.WriteString(a, "color 0 0 red\n")
	require.NoError(t, err)
	writeLine(t, a, CharSet{X: 3, Y: 1, Ch: 'k'})

	msg, err := ReadMessage(rb)
	require.NoError(t, err)
	require.Equal(t, CharSet{X: 3, Y: 1, Ch: 'k'}, msg)
}

func TestServer_QuitLeavesSession(t *testing.T) {
	app, sessionID, addr := startServer(t)
	conn, r := dialLine(t, addr)
	handshake(t, conn, r)

	writeLine(t, conn, Quit{})

	require.Eventually(t, func() bool {
		for _, info := range app.ListSessions(context.Background()) {
			if info.ID == sessionID {
				return info.Clients == 0
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_EditsFromLineClientsAreStamped(t *testing.T) {
	app, sessionID, addr := startServer(t)
	conn, r := dialLine(t, addr)
	handshake(t, conn, r)

	writeLine(t, conn, CharSet{X: 1, Y: 1, Ch: '*'})

	require.Eventually(t, func() bool {
		snap, err := app.GetSnapshot(context.Background(), sessionID)
		require.NoError(t, err)
		return snap.At(models.Coord{X: 1, Y: 1}).Ch == '*'
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := app.GetSnapshot(context.Background(), sessionID)
	require.NoError(t, err)
	cell := snap.At(models.Coord{X: 1, Y: 1})
	require.Equal(t, uint64(1), cell.Stamp.Seq)
	require.NotEmpty(t, cell.Stamp.ClientID)
}
