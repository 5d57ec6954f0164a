package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the shared Postgres pool. No application-level transaction ever
// spans devices.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates the connection pool and verifies connectivity.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("Postgres connection pool created")

	return &Store{pool: pool}, nil
}

// Migrate applies embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertLog persists one diagnostic row. Implements logging.EntryWriter.
func (s *Store) InsertLog(ctx context.Context, e logging.Entry) error {
	var metadata []byte
	if e.Metadata != nil {
		var err error
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			metadata = nil
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO logs (level, service, message, error, metadata, tenant_id, device_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''))
	`, e.Level, e.Service, e.Message, e.Error, metadata, e.TenantID, e.DeviceID)
	return err
}
