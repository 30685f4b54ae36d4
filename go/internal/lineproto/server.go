package lineproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/models"
	"github.com/newsch/collascii-go/go/internal/session"
)

// DefaultAddr is the listen address terminal clients expect.
const DefaultAddr = ":45011"

const writeTimeout = 10 * time.Second

// SessionApp is the slice of the session layer the line server drives.
type SessionApp interface {
	Join(ctx context.Context, sessionID uuid.UUID, clientID string) (*session.JoinResult, error)
	Leave(ctx context.Context, sessionID uuid.UUID, clientID string) error
	SubmitEdit(ctx context.Context, edit models.Edit) (*session.SubmitEditResult, error)
}

// Server speaks protocol 1.0 over TCP and bridges it onto one session.
// Stamps and acknowledgements stay server-side: the legacy protocol knows
// only raw character sets, so rejected edits are logged and dropped rather
// than answered.
type Server struct {
	app       SessionApp
	sessionID uuid.UUID

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a line protocol server fronting the given session.
func NewServer(app SessionApp, sessionID uuid.UUID) *Server {
	return &Server{
		app:       app,
		sessionID: sessionID,
		conns:     make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is cancelled or the listener
// fails. Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
		s.closeConns()
	}()

	log.Info().
		Str("addr", l.Addr().String()).
		Str("session_id", s.sessionID.String()).
		Msg("line protocol server listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.track(conn)
		go func() {
			defer s.untrack(conn)
			defer conn.Close()
			if err := s.handleConn(ctx, conn); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).
					Str("remote", conn.RemoteAddr().String()).
					Msg("line client disconnected")
				return
			}
			log.Info().
				Str("remote", conn.RemoteAddr().String()).
				Msg("line client left")
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReader(conn)

	// Version negotiation comes first. An unsupported version gets a short
	// explanation before the connection closes.
	msg, err := ReadMessage(r)
	if err != nil {
		return err
	}
	req, ok := msg.(VersionReq)
	if !ok {
		return fmt.Errorf("%w: expected version request, got %q", ErrMalformed, msg.WireFormat())
	}
	if req.V != ProtocolVersion {
		io.WriteString(conn, "Unknown version\n")
		return fmt.Errorf("%w: client requested %s", ErrVersionMismatch, req.V)
	}
	if _, err := io.WriteString(conn, VersionAck{}.WireFormat()); err != nil {
		return err
	}

	join, err := s.app.Join(ctx, s.sessionID, "")
	if err != nil {
		return fmt.Errorf("failed to join session: %w", err)
	}
	defer s.leave(join.ClientID)

	cv, err := canvas.FromSnapshot(join.Snapshot)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(conn, CanvasSet{Canvas: cv}.WireFormat()); err != nil {
		return err
	}

	// Updates from other clients flow out on their own goroutine. The feed
	// closes when the client leaves or the session ends, and a dead socket
	// trips the write deadline, so neither side can wedge the other.
	go func() {
		defer conn.Close()
		for ev := range join.Sub.C {
			if ev.Update == nil || ev.Update.Origin == join.ClientID {
				continue
			}
			m := CharSet{X: ev.Update.Pos.X, Y: ev.Update.Pos.Y, Ch: ev.Update.Cell.Ch}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := io.WriteString(conn, m.WireFormat()); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := ReadMessage(r)
		if err != nil {
			if errors.Is(err, ErrUnknownPrefix) {
				// Forward compatibility: skip prefixes we do not know.
				log.Debug().Err(err).
					Str("client_id", join.ClientID).
					Msg("ignoring unknown message prefix")
				continue
			}
			return err
		}
		switch m := msg.(type) {
		case Quit:
			return nil
		case CharSet:
			s.submit(ctx, join.ClientID, m)
		case CanvasSet:
			return fmt.Errorf("%w: canvas replace not supported", ErrMalformed)
		default:
			return fmt.Errorf("%w: unexpected %q after handshake", ErrMalformed, msg.WireFormat())
		}
	}
}

// submit applies one charset. Rejections stay local: the canvas is left
// alone and nothing is forwarded, but the connection lives on.
func (s *Server) submit(ctx context.Context, clientID string, m CharSet) {
	_, err := s.app.SubmitEdit(ctx, models.Edit{
		SessionID: s.sessionID,
		ClientID:  clientID,
		Pos:       models.Coord{X: m.X, Y: m.Y},
		Ch:        m.Ch,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("client_id", clientID).
			Int("x", m.X).
			Int("y", m.Y).
			Msg("line edit rejected")
	}
}

func (s *Server) leave(clientID string) {
	err := s.app.Leave(context.Background(), s.sessionID, clientID)
	if err != nil &&
		!errors.Is(err, session.ErrUnknownSession) &&
		!errors.Is(err, session.ErrSessionClosed) &&
		!errors.Is(err, session.ErrUnknownClient) {
		log.Error().Err(err).
			Str("client_id", clientID).
			Msg("failed to leave session")
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
