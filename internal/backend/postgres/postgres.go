// Package postgres implements backend.ResultStore on Postgres via pgx,
// grounded on the teacher's PostgresStore: a pgxpool.Pool tuned with the
// same connection-lifetime/health-check settings, upsert-on-conflict
// writes. It exists for deployments that want SQL-queryable, durable
// results instead of Redis's best-effort persistence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluxforge/taskforge/internal/backend"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ResultStore is a backend.ResultStore backed by a single `results` table
// keyed by record key.
type ResultStore struct {
	pool *pgxpool.Pool
}

// Schema is the DDL for the store's table. NewResultStore runs it on
// connect (CREATE TABLE IF NOT EXISTS); it is also exported so an
// operator's migration tool has a ready-made statement to run.
const Schema = `
CREATE TABLE IF NOT EXISTS results (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewResultStore opens a connection pool against connString, tuned the
// same way the teacher's control plane tunes its PostgresStore pool.
func NewResultStore(ctx context.Context, connString string) (*ResultStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}

	return &ResultStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *ResultStore) Close() {
	s.pool.Close()
}

func (s *ResultStore) Put(ctx context.Context, key string, b []byte) error {
	const query = `
		INSERT INTO results (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, key, b); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultPut, err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	const query = `DELETE FROM results WHERE key = $1 RETURNING value`
	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	return value, true, nil
}

func (s *ResultStore) Peek(ctx context.Context, key string) ([]byte, bool, error) {
	const query = `SELECT value FROM results WHERE key = $1`
	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	return value, true, nil
}

func (s *ResultStore) Flush(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE results`); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultPut, err)
	}
	return nil
}
