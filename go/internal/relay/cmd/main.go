// collascii-relay runs a follower node: it restores archived sessions,
// applies every update from the JetStream canvas stream into them, and
// checkpoints the mirrored canvases back to the archive.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/archive"
	"github.com/newsch/collascii-go/go/internal/dbconfig"
	"github.com/newsch/collascii-go/go/internal/relay"
	"github.com/newsch/collascii-go/go/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := session.NewRegistry(session.Config{}, clockwork.NewRealClock())

	dsn := dbconfig.NewConfigFromEnv().DSN()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create database pool")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}

	repo := archive.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure archive schema")
	}

	// Followers never re-relay; ingested updates stay local.
	app := session.NewApp(registry, repo, nil)

	restored, err := restoreArchived(ctx, app, repo)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to restore archived sessions")
	}
	log.Info().Int("sessions", restored).Msg("restored archived sessions")

	cfg := relay.DefaultJetStreamConsumerConfig()
	cfg.URL = getEnv("NATS_URL", cfg.URL)
	cfg.ConsumerName = getEnv("RELAY_CONSUMER", cfg.ConsumerName)

	consumer, err := relay.NewConsumer(app, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create relay consumer")
	}
	defer consumer.Stop()

	interval := time.Minute
	if v := getEnv("CHECKPOINT_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	cp := newCheckpointer(app, repo)
	go cp.run(ctx, interval)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	if err := consumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Relay consumer failed")
	}

	// checkpoint once more so the archive holds what was mirrored
	cp.sweep(context.Background())
	log.Info().Msg("Shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func restoreArchived(ctx context.Context, app *session.App, repo *archive.Repository) (int, error) {
	metas, err := repo.ListArchived(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, meta := range metas {
		snap, err := repo.LoadSnapshot(ctx, meta.SessionID)
		if err != nil {
			log.Error().Err(err).
				Str("session_id", meta.SessionID.String()).
				Msg("failed to load archived snapshot")
			continue
		}
		if _, err := app.RestoreSession(ctx, meta.SessionID, snap); err != nil {
			log.Error().Err(err).
				Str("session_id", meta.SessionID.String()).
				Msg("failed to restore session")
			continue
		}
		restored++
	}
	return restored, nil
}

// checkpointer periodically writes mirrored canvases back to the archive,
// skipping sessions whose sequence has not moved since the last sweep.
type checkpointer struct {
	app     *session.App
	repo    *archive.Repository
	lastSeq map[uuid.UUID]uint64
}

func newCheckpointer(app *session.App, repo *archive.Repository) *checkpointer {
	return &checkpointer{
		app:     app,
		repo:    repo,
		lastSeq: make(map[uuid.UUID]uint64),
	}
}

func (c *checkpointer) run(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("checkpointer started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *checkpointer) sweep(ctx context.Context) {
	for _, info := range c.app.ListSessions(ctx) {
		snap, err := c.app.GetSnapshot(ctx, info.ID)
		if err != nil {
			continue
		}
		if c.lastSeq[info.ID] == snap.AsOfSeq {
			continue
		}
		if err := c.repo.SaveSnapshot(ctx, info.ID, snap); err != nil {
			log.Error().Err(err).
				Str("session_id", info.ID.String()).
				Msg("failed to checkpoint session")
			continue
		}
		c.lastSeq[info.ID] = snap.AsOfSeq
	}
}
