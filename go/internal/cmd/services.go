package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/archive"
	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/dbconfig"
	"github.com/newsch/collascii-go/go/internal/discovery"
	"github.com/newsch/collascii-go/go/internal/gateway"
	"github.com/newsch/collascii-go/go/internal/lineproto"
	"github.com/newsch/collascii-go/go/internal/relay"
	"github.com/newsch/collascii-go/go/internal/session"
)

const janitorInterval = 10 * time.Second

type Services struct {
	Registry   *session.Registry
	App        *session.App
	Janitor    *session.Janitor
	Gateway    *gateway.Service
	Line       *lineproto.Server
	LineAddr   string
	Publisher  *relay.Publisher
	Archive    *archive.Repository
	Listener   *archive.Listener
	Advertiser *discovery.Advertiser

	pool     *pgxpool.Pool
	listenDB *sql.DB
	wg       sync.WaitGroup
}

func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Registry → App (with archive/relay taps) → transports
	svcs := &Services{}
	clock := clockwork.NewRealClock()
	svcs.Registry = session.NewRegistry(cfg.Session, clock)

	var archiver session.Archiver
	if cfg.Archive.Enabled {
		pool, db, err := setupDatabase(ctx)
		if err != nil {
			return nil, err
		}
		svcs.pool = pool
		svcs.listenDB = db

		repo := archive.NewRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			svcs.Close()
			return nil, fmt.Errorf("failed to ensure archive schema: %w", err)
		}
		svcs.Archive = repo
		archiver = repo
	}

	var relayHook session.Relay
	if cfg.Relay.Enabled {
		jsCfg := relay.DefaultJetStreamConfig()
		if cfg.Relay.URL != "" {
			jsCfg.URL = cfg.Relay.URL
		}
		pub, err := relay.NewPublisher(jsCfg)
		if err != nil {
			svcs.Close()
			return nil, fmt.Errorf("failed to connect relay: %w", err)
		}
		svcs.Publisher = pub
		relayHook = pub
	}

	svcs.App = session.NewApp(svcs.Registry, archiver, relayHook)
	svcs.Janitor = session.NewJanitor(svcs.App, svcs.Registry, clock, svcs.Registry.Linger(), janitorInterval)
	svcs.Gateway = gateway.NewService(svcs.App, gateway.DefaultConfig())

	// The archive listener needs somewhere to announce; it rides the relay.
	if svcs.Archive != nil && svcs.Publisher != nil {
		lcfg := archive.DefaultListenerConfig()
		lcfg.DatabaseURL = dbconfig.NewConfigFromEnv().DSN()
		listener, err := archive.NewListener(svcs.listenDB, svcs.Publisher, lcfg)
		if err != nil {
			svcs.Close()
			return nil, fmt.Errorf("failed to start snapshot listener: %w", err)
		}
		svcs.Listener = listener
	}

	if cfg.Line.Enabled {
		id, err := ensureLineSession(ctx, cfg, svcs)
		if err != nil {
			svcs.Close()
			return nil, fmt.Errorf("failed to set up line session: %w", err)
		}
		svcs.Line = lineproto.NewServer(svcs.App, id)
		svcs.LineAddr = cfg.Line.Addr
	}

	if cfg.Discovery.Enabled && cfg.Line.Enabled {
		if adv, err := advertiseLine(cfg.Line.Addr); err != nil {
			log.Warn().Err(err).Msg("mdns advertisement failed")
		} else {
			svcs.Advertiser = adv
		}
	}

	return svcs, nil
}

// ensureLineSession pins the session terminal clients share. A configured
// id is restored from the archive when present there, recreated blank when
// not; without a configured id every boot starts a fresh canvas.
func ensureLineSession(ctx context.Context, cfg *Config, svcs *Services) (uuid.UUID, error) {
	if cfg.Line.SessionID == "" {
		info, err := svcs.App.CreateSession(ctx, session.CreateSessionRequest{Persistent: true})
		if err != nil {
			return uuid.Nil, err
		}
		return info.ID, nil
	}

	id, err := uuid.Parse(cfg.Line.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad line session id: %w", err)
	}

	if svcs.Archive != nil {
		snap, err := svcs.Archive.LoadSnapshot(ctx, id)
		if err == nil {
			if _, err := svcs.App.RestoreSession(ctx, id, snap); err != nil {
				return uuid.Nil, err
			}
			log.Info().
				Str("session_id", id.String()).
				Uint64("as_of_seq", snap.AsOfSeq).
				Msg("restored line session from archive")
			return id, pinSession(svcs, id)
		}
		if !errors.Is(err, archive.ErrNotArchived) {
			return uuid.Nil, err
		}
	}

	width, height := cfg.Session.DefaultWidth, cfg.Session.DefaultHeight
	def := session.DefaultConfig()
	if width <= 0 {
		width = def.DefaultWidth
	}
	if height <= 0 {
		height = def.DefaultHeight
	}
	cv, err := canvas.New(width, height)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := svcs.App.RestoreSession(ctx, id, cv.Snapshot(0)); err != nil {
		return uuid.Nil, err
	}
	return id, pinSession(svcs, id)
}

func pinSession(svcs *Services, id uuid.UUID) error {
	s, err := svcs.Registry.Get(id)
	if err != nil {
		return err
	}
	s.Pin()
	return nil
}

func advertiseLine(addr string) (*discovery.Advertiser, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("bad line addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad line port %q: %w", portStr, err)
	}
	return discovery.Advertise(port, "collascii")
}

// Start launches the background loops. They stop when ctx is cancelled.
func (s *Services) Start(ctx context.Context) {
	s.spawn("janitor", func() error {
		s.Janitor.Run(ctx)
		return nil
	})
	s.spawn("gateway", func() error {
		return s.Gateway.Start(ctx)
	})
	if s.Publisher != nil {
		s.spawn("relay publisher", func() error {
			return s.Publisher.Run(ctx)
		})
	}
	if s.Listener != nil {
		s.spawn("snapshot listener", func() error {
			return s.Listener.Start(ctx)
		})
	}
	if s.Line != nil {
		s.spawn("line server", func() error {
			return s.Line.ListenAndServe(ctx, s.LineAddr)
		})
	}
}

func (s *Services) spawn(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("service", name).Msg("service stopped")
		}
	}()
}

// Wait blocks until every background loop has returned.
func (s *Services) Wait() {
	s.wg.Wait()
}

// Close releases connections and external resources.
func (s *Services) Close() {
	if s.Advertiser != nil {
		if err := s.Advertiser.Shutdown(); err != nil {
			log.Error().Err(err).Msg("failed to stop mdns advertisement")
		}
	}
	if s.Publisher != nil {
		if err := s.Publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close relay")
		}
	}
	if s.listenDB != nil {
		if err := s.listenDB.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close listener connection")
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
