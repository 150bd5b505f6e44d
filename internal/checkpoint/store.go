// Package checkpoint persists the last confirmed LSN per replication slot
// (§6), grounded directly on original_source/src/state_store.rs: same
// table shape, same upsert semantics, same DSN replication-param stripping.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS dbmazz_checkpoints (
	slot_name TEXT PRIMARY KEY,
	lsn BIGINT NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
)`

const upsertSQL = `INSERT INTO dbmazz_checkpoints (slot_name, lsn, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (slot_name) DO UPDATE SET lsn = EXCLUDED.lsn, updated_at = NOW()`

const loadSQL = `SELECT lsn FROM dbmazz_checkpoints WHERE slot_name = $1`

// Store is a pooled, non-replication connection to the checkpoint table.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a plain (non-replication) connection pool against databaseURL,
// stripping any "replication=database" query parameter the caller's DSN may
// carry, and ensures the checkpoint table exists. The table-creation step is
// retried a few times with exponential backoff since it usually runs at
// process boot, racing the database still coming up in container startups.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	dsn := stripReplicationParam(databaseURL)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: connect: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	createTable := func() error {
		_, err := pool.Exec(ctx, createTableSQL)
		return err
	}
	if err := backoff.Retry(createTable, bo); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: create table: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Save upserts the checkpoint for slotName. Failure here is non-fatal to
// the caller (§4.7): log and continue, the next confirmed LSN retries.
func (s *Store) Save(ctx context.Context, slotName string, lsn uint64) error {
	if _, err := s.pool.Exec(ctx, upsertSQL, slotName, int64(lsn)); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load returns the persisted LSN for slotName, or 0 if none exists yet.
func (s *Store) Load(ctx context.Context, slotName string) (uint64, error) {
	var lsn int64
	err := s.pool.QueryRow(ctx, loadSQL, slotName).Scan(&lsn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("checkpoint: load: %w", err)
	}
	return uint64(lsn), nil
}

// stripReplicationParam removes "replication=database" from a DSN's query
// string so the checkpoint store can open a normal (non-replication)
// connection on the same URL used for the replication slot.
func stripReplicationParam(dsn string) string {
	dsn = strings.ReplaceAll(dsn, "replication=database&", "")
	dsn = strings.ReplaceAll(dsn, "&replication=database", "")
	dsn = strings.ReplaceAll(dsn, "?replication=database", "")
	return dsn
}
