// Package archive persists final session snapshots in Postgres and fans
// archival notices out to external consumers. The repository is the write
// and restore path; the listener turns Postgres NOTIFY into JetStream
// announcements.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/models"
)

// ErrNotArchived is returned when a session has no snapshot on record.
var ErrNotArchived = errors.New("session not archived")

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS snapshots (
    session_id   UUID PRIMARY KEY,
    as_of_seq    BIGINT NOT NULL,
    width        INTEGER NOT NULL,
    height       INTEGER NOT NULL,
    cells        JSONB NOT NULL,
    metadata     JSONB,
    taken_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    announced_at TIMESTAMPTZ
)`

const upsertSnapshot = `
INSERT INTO snapshots (session_id, as_of_seq, width, height, cells, taken_at, announced_at)
VALUES ($1, $2, $3, $4, $5, now(), NULL)
ON CONFLICT (session_id) DO UPDATE SET
    as_of_seq    = EXCLUDED.as_of_seq,
    width        = EXCLUDED.width,
    height       = EXCLUDED.height,
    cells        = EXCLUDED.cells,
    taken_at     = EXCLUDED.taken_at,
    announced_at = NULL`

// Repository stores one snapshot per session, newest write wins. It
// satisfies the session app's Archiver hook.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the snapshots table when it does not exist yet.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the session's snapshot and notifies listeners in the
// same transaction, so every committed write produces exactly one notice.
func (r *Repository) SaveSnapshot(ctx context.Context, sessionID uuid.UUID, snap models.CanvasSnapshot) error {
	cells, err := encodeCells(snap.Cells)
	if err != nil {
		return fmt.Errorf("failed to encode cells: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertSnapshot, sessionID, int64(snap.AsOfSeq), snap.Width, snap.Height, cells); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, sessionID.String()); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Uint64("as_of_seq", snap.AsOfSeq).
		Msg("snapshot archived")
	return nil
}

// LoadSnapshot returns the archived snapshot for a session.
func (r *Repository) LoadSnapshot(ctx context.Context, sessionID uuid.UUID) (models.CanvasSnapshot, error) {
	var (
		seq           int64
		width, height int
		cells         []byte
	)
	row := r.pool.QueryRow(ctx,
		`SELECT as_of_seq, width, height, cells FROM snapshots WHERE session_id = $1`, sessionID)
	if err := row.Scan(&seq, &width, &height, &cells); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CanvasSnapshot{}, fmt.Errorf("%w: %s", ErrNotArchived, sessionID)
		}
		return models.CanvasSnapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	decoded, err := decodeCells(cells, width, height)
	if err != nil {
		return models.CanvasSnapshot{}, fmt.Errorf("failed to decode snapshot %s: %w", sessionID, err)
	}
	return models.CanvasSnapshot{
		Width:   width,
		Height:  height,
		Cells:   decoded,
		AsOfSeq: uint64(seq),
	}, nil
}

// ListArchived returns metadata for every archived snapshot, newest first.
func (r *Repository) ListArchived(ctx context.Context) ([]SnapshotMeta, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, as_of_seq, width, height, taken_at, metadata FROM snapshots ORDER BY taken_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var metas []SnapshotMeta
	for rows.Next() {
		var (
			m    SnapshotMeta
			seq  int64
			meta []byte
		)
		if err := rows.Scan(&m.SessionID, &seq, &m.Width, &m.Height, &m.TakenAt, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		m.AsOfSeq = uint64(seq)
		m.Metadata = meta
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot rows: %w", err)
	}
	return metas, nil
}

func encodeCells(cells []models.Cell) ([]byte, error) {
	return json.Marshal(cells)
}

func decodeCells(data []byte, width, height int) ([]models.Cell, error) {
	var cells []models.Cell
	if err := json.Unmarshal(data, &cells); err != nil {
		return nil, fmt.Errorf("unmarshal cells: %w", err)
	}
	if len(cells) != width*height {
		return nil, fmt.Errorf("cell count %d does not match %dx%d", len(cells), width, height)
	}
	return cells, nil
}
