// Package clickhouse is an optional analytical fan-out Sink, inserting
// decoded rows directly into a ClickHouse table via the native protocol.
//
// Grounded on pkg/pipeline/clickhouse/peer.go, which the teacher left as a
// stub ("TODO: implement"); this package carries the concern through.
package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/sink"
)

func init() {
	sink.Register("clickhouse", func(dsn string) (sink.Sink, error) {
		return New(dsn)
	})
}

type Sink struct {
	conn clickhouse.Conn
}

func New(addr string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{Addr: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	return &Sink{conn: conn}, nil
}

func (s *Sink) PushBatch(ctx context.Context, group sink.Group) error {
	if len(group.Rows) == 0 {
		return nil
	}
	table := "relation"
	if group.Table != nil {
		table = group.Table.Name
	}

	cols := columnOrder(group)
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", table))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, row := range group.Rows {
		values := make([]any, len(cols))
		for i, c := range cols {
			values[i] = row[c]
		}
		if err := batch.Append(values...); err != nil {
			return fmt.Errorf("clickhouse: append row: %w", err)
		}
	}
	return batch.Send()
}

func (s *Sink) ApplySchemaDelta(ctx context.Context, delta *cdcmsg.SchemaDelta) error {
	table := bareTableName(delta.TableName)
	for _, col := range delta.AddedColumns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s String", table, col.Name)
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clickhouse: add column %s: %w", col.Name, err)
		}
	}
	return nil
}

// bareTableName strips a postgres schema-qualified name ("public.orders")
// down to the bare table name ClickHouse tables are addressed by here.
func bareTableName(qualified string) string {
	if i := strings.LastIndexByte(qualified, '.'); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

// columnOrder picks a stable column iteration order for a batch's rows,
// falling back to the explicit partial-update column list when present.
func columnOrder(group sink.Group) []string {
	if len(group.Columns) > 0 {
		return group.Columns
	}
	if group.Table != nil {
		names := make([]string, 0, len(group.Table.Columns)+4)
		for _, c := range group.Table.Columns {
			names = append(names, c.Name)
		}
		return append(names, cdcmsg.AuditOpType, cdcmsg.AuditIsDel, cdcmsg.AuditSyncedAt, cdcmsg.AuditVersion)
	}
	var names []string
	for k := range group.Rows[0] {
		names = append(names, k)
	}
	return names
}
