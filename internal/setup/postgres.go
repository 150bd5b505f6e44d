// Package setup is the best-effort bootstrap phase (§1's external
// collaborator, supplemented per SPEC_FULL §11.1): it verifies tables
// exist, forces REPLICA IDENTITY FULL, creates/extends the publication,
// creates the replication slot, and ensures the StarRocks audit columns.
//
// Grounded on original_source/src/setup/postgres.rs and setup/starrocks.rs.
// This is explicitly not a hardened migration tool — soft failures are
// surfaced through SharedState.SetSetupError rather than retried forever.
package setup

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbmazz/cdc/internal/cdcerr"
)

// PostgresOptions names what the bootstrap phase must ensure exists.
type PostgresOptions struct {
	Tables          []string // e.g. "public.orders"; an unqualified name means the public schema
	PublicationName string
	SlotName        string
}

// EnsurePostgres runs every Postgres-side bootstrap step in order,
// stopping at the first unrecoverable error.
func EnsurePostgres(ctx context.Context, pool *pgxpool.Pool, opts PostgresOptions) error {
	for _, table := range opts.Tables {
		exists, err := tableExists(ctx, pool, table)
		if err != nil {
			return fmt.Errorf("setup: check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("setup: table %s does not exist: %w", table, cdcerr.ErrSetup)
		}
		if err := ensureReplicaIdentityFull(ctx, pool, table); err != nil {
			return fmt.Errorf("setup: replica identity for %s: %w", table, err)
		}
	}
	if err := ensurePublication(ctx, pool, opts.PublicationName, opts.Tables); err != nil {
		return fmt.Errorf("setup: publication: %w", err)
	}
	if err := ensureReplicationSlot(ctx, pool, opts.SlotName); err != nil {
		return fmt.Errorf("setup: replication slot: %w", err)
	}
	return nil
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, qualified string) (bool, error) {
	schema, table := splitQualified(qualified)
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, table,
	).Scan(&exists)
	return exists, err
}

// ensureReplicaIdentityFull checks pg_class.relreplident and issues ALTER
// TABLE ... REPLICA IDENTITY FULL if it is not already 'f'.
func ensureReplicaIdentityFull(ctx context.Context, pool *pgxpool.Pool, qualified string) error {
	schema, table := splitQualified(qualified)
	var identity string
	err := pool.QueryRow(ctx, `
		SELECT c.relreplident FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`, schema, table).Scan(&identity)
	if err != nil {
		return fmt.Errorf("read replica identity: %w", err)
	}
	if identity == "f" {
		return nil
	}
	_, err = pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s REPLICA IDENTITY FULL`, quoteQualified(schema, table)))
	if err != nil {
		return fmt.Errorf("alter replica identity: %w", err)
	}
	return nil
}

func ensurePublication(ctx context.Context, pool *pgxpool.Pool, name string, tables []string) error {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check publication: %w", err)
	}
	if !exists {
		qualified := make([]string, len(tables))
		for i, t := range tables {
			schema, table := splitQualified(t)
			qualified[i] = quoteQualified(schema, table)
		}
		stmt := fmt.Sprintf(`CREATE PUBLICATION %s FOR TABLE %s`, quoteIdent(name), strings.Join(qualified, ", "))
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create publication: %w", err)
		}
		return nil
	}

	missing, err := missingTablesInPublication(ctx, pool, name, tables)
	if err != nil {
		return fmt.Errorf("check publication tables: %w", err)
	}
	for _, t := range missing {
		schema, table := splitQualified(t)
		stmt := fmt.Sprintf(`ALTER PUBLICATION %s ADD TABLE %s`, quoteIdent(name), quoteQualified(schema, table))
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("extend publication with %s: %w", t, err)
		}
	}
	return nil
}

func missingTablesInPublication(ctx context.Context, pool *pgxpool.Pool, pubName string, tables []string) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT schemaname, tablename FROM pg_publication_tables WHERE pubname = $1`, pubName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, err
		}
		have[schema+"."+table] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range tables {
		schema, table := splitQualified(t)
		if !have[schema+"."+table] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

func ensureReplicationSlot(ctx context.Context, pool *pgxpool.Pool, slotName string) error {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, slotName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check replication slot: %w", err)
	}
	if exists {
		return nil
	}
	_, err = pool.Exec(ctx, `SELECT pg_create_logical_replication_slot($1, 'pgoutput')`, slotName)
	if err != nil {
		return fmt.Errorf("create replication slot: %w", err)
	}
	return nil
}

func splitQualified(qualified string) (schema, table string) {
	if i := strings.Index(qualified, "."); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "public", qualified
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualified(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}
