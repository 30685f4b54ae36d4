package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed snapshots
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int // Max snapshots to fetch per poll
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DatabaseURL:      "",
		NotifyChannel:    NotifyChannel,
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

// Announcer publishes snapshot notices to downstream consumers.
type Announcer interface {
	AnnounceSnapshot(ctx context.Context, meta SnapshotMeta) error
}

// Listener turns committed snapshot writes into announcements. NOTIFY is
// the fast path; a fallback poll sweeps up snapshots whose notice was lost.
type Listener struct {
	db        *sql.DB
	listener  *pq.Listener
	announcer Announcer
	cfg       ListenerConfig
}

func NewListener(dbConn *sql.DB, announcer Announcer, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for snapshot notifications")

	return &Listener{
		db:        dbConn,
		listener:  l,
		announcer: announcer,
		cfg:       cfg,
	}, nil
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("snapshot listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("snapshot listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// nil notification means the connection was lost, pq reconnects
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := l.processUnannounced(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process unannounced snapshots")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}

// handleNotification announces the snapshot named by a NOTIFY payload and
// marks it announced.
func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	sessionID, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid session id in notification: %w", err)
	}

	meta, err := l.fetchMeta(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	if err := l.announceWithRetry(ctx, meta); err != nil {
		return fmt.Errorf("failed to announce snapshot: %w", err)
	}
	if err := l.markAnnounced(ctx, sessionID); err != nil {
		return err
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Uint64("as_of_seq", meta.AsOfSeq).
		Msg("announced archived snapshot")
	return nil
}

// processUnannounced sweeps snapshots whose NOTIFY never made it through.
func (l *Listener) processUnannounced(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, as_of_seq, width, height, taken_at, metadata
		 FROM snapshots WHERE announced_at IS NULL ORDER BY taken_at LIMIT $1`,
		l.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch unannounced snapshots: %w", err)
	}
	defer rows.Close()

	var pending []SnapshotMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return err
		}
		pending = append(pending, meta)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read unannounced snapshots: %w", err)
	}

	for _, meta := range pending {
		if err := l.announceWithRetry(ctx, meta); err != nil {
			log.Error().Err(err).
				Str("session_id", meta.SessionID.String()).
				Msg("failed to announce snapshot")
			continue
		}
		if err := l.markAnnounced(ctx, meta.SessionID); err != nil {
			log.Error().Err(err).
				Str("session_id", meta.SessionID.String()).
				Msg("failed to mark snapshot announced")
		}
	}
	return nil
}

// announceWithRetry attempts to announce with a linear retry delay.
func (l *Listener) announceWithRetry(ctx context.Context, meta SnapshotMeta) error {
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := l.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := l.announcer.AnnounceSnapshot(ctx, meta); err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("session_id", meta.SessionID.String()).
				Msg("failed to announce, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("session_id", meta.SessionID.String()).
				Msg("announce succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("announce failed after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}

func (l *Listener) fetchMeta(ctx context.Context, sessionID uuid.UUID) (SnapshotMeta, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT session_id, as_of_seq, width, height, taken_at, metadata
		 FROM snapshots WHERE session_id = $1`, sessionID)
	return scanMeta(row)
}

func (l *Listener) markAnnounced(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := l.db.ExecContext(ctx,
		`UPDATE snapshots SET announced_at = now() WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to mark snapshot announced: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeta(row rowScanner) (SnapshotMeta, error) {
	var (
		meta     SnapshotMeta
		seq      int64
		metadata pqtype.NullRawMessage
	)
	if err := row.Scan(&meta.SessionID, &seq, &meta.Width, &meta.Height, &meta.TakenAt, &metadata); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to scan snapshot meta: %w", err)
	}
	meta.AsOfSeq = uint64(seq)
	if metadata.Valid {
		meta.Metadata = metadata.RawMessage
	}
	return meta, nil
}
