package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/newsch/collascii-go/go/internal/dbconfig"
)

// setupDatabase opens the archive database twice: a pgx pool for the
// snapshot store and a database/sql handle for the pq LISTEN relay.
func setupDatabase(ctx context.Context) (*pgxpool.Pool, *sql.DB, error) {
	dbCfg := dbconfig.NewConfigFromEnv()
	dsn := dbCfg.DSN()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to open listener connection: %w", err)
	}

	log.Info().
		Str("host", dbCfg.Host).
		Str("database", dbCfg.Database).
		Msg("connected to archive database")
	return pool, db, nil
}
