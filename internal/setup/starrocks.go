package setup

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dbmazz/cdc/internal/cdcerr"
)

// auditColumn is one of the four columns every sink-managed table must
// carry (§3 Audit columns), with the exact DDL fragment including the
// comment the original setup phase attaches for operator readability.
type auditColumn struct {
	name string
	ddl  string
}

// AuditColumns mirrors original_source/src/setup/starrocks.rs's AUDIT_COLUMNS
// table, including the descriptive COMMENT clauses.
var AuditColumns = []auditColumn{
	{"dbmazz_op_type", "TINYINT COMMENT '0=INSERT, 1=UPDATE, 2=DELETE'"},
	{"dbmazz_is_deleted", "BOOLEAN COMMENT 'soft-delete marker for CDC deletes'"},
	{"dbmazz_synced_at", "DATETIME COMMENT 'ingestion time at the sink'"},
	{"dbmazz_cdc_version", "BIGINT COMMENT 'source LSN this row was synced at'"},
}

// StarRocksOptions names the target database/tables the bootstrap phase
// must verify and extend.
type StarRocksOptions struct {
	Database string
	Tables   []string
}

// EnsureStarRocks verifies every target table exists and carries the audit
// columns, adding any that are missing.
func EnsureStarRocks(ctx context.Context, db *sql.DB, opts StarRocksOptions) error {
	for _, table := range opts.Tables {
		exists, err := starrocksTableExists(ctx, db, opts.Database, table)
		if err != nil {
			return fmt.Errorf("setup: check starrocks table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("setup: starrocks table %s.%s does not exist: %w", opts.Database, table, cdcerr.ErrSetup)
		}
		if err := ensureAuditColumns(ctx, db, opts.Database, table); err != nil {
			return fmt.Errorf("setup: audit columns for %s: %w", table, err)
		}
	}
	return nil
}

func starrocksTableExists(ctx context.Context, db *sql.DB, database, table string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`,
		database, table,
	).Scan(&count)
	return count > 0, err
}

func existingColumns(ctx context.Context, db *sql.DB, database, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ?`,
		database, table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func ensureAuditColumns(ctx context.Context, db *sql.DB, database, table string) error {
	cols, err := existingColumns(ctx, db, database, table)
	if err != nil {
		return fmt.Errorf("read columns: %w", err)
	}
	for _, ac := range AuditColumns {
		if cols[ac.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s.%s ADD COLUMN %s %s", database, table, ac.name, ac.ddl)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if cdcerr.IsSoftDDLError(err.Error()) {
				continue
			}
			return fmt.Errorf("add audit column %s: %w", ac.name, err)
		}
	}
	return nil
}
