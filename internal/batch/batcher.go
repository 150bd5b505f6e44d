// Package batch implements the batcher / flush engine (§4.5): grouping by
// BatchKey, the size/time/commit/shutdown flush triggers, the DDL-first
// flush protocol, and audit-column injection.
package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dbmazz/cdc/internal/cdcerr"
	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/encode"
	"github.com/dbmazz/cdc/internal/schema"
	"github.com/dbmazz/cdc/internal/sink"
)

// Options configures a Batcher's flush policy.
type Options struct {
	FlushSize       int
	FlushInterval   time.Duration
	AlignToCommit   bool // Open Question resolution, default false; SPEC_FULL §12.1
}

// Batcher accumulates decoded events and flushes them to a Sink.
type Batcher struct {
	opts   Options
	sink   sink.Sink
	cache  *schema.Cache
	logger *zap.Logger

	batch         []cdcmsg.CdcEvent
	lastFlush     time.Time
	maxLSNInBatch cdcmsg.LSN
	pendingDeltas map[uint32]*cdcmsg.SchemaDelta

	// Confirmed holds the LSN feedback channel the checkpoint loop reads.
	Confirmed chan cdcmsg.LSN
}

// New constructs a Batcher. Confirmed is buffered so a flush never blocks
// on the checkpoint loop keeping up.
func New(opts Options, sk sink.Sink, cache *schema.Cache, logger *zap.Logger) *Batcher {
	return &Batcher{
		opts:          opts,
		sink:          sk,
		cache:         cache,
		logger:        logger,
		lastFlush:     time.Now(),
		pendingDeltas: make(map[uint32]*cdcmsg.SchemaDelta),
		Confirmed:     make(chan cdcmsg.LSN, 64),
	}
}

// Ingest processes one decoded event. It returns whether a flush was
// triggered (size or commit-boundary) and any fatal flush error.
func (b *Batcher) Ingest(ctx context.Context, ev cdcmsg.CdcEvent) (flushed bool, err error) {
	switch ev.Message.Kind {
	case cdcmsg.KindBegin, cdcmsg.KindOrigin, cdcmsg.KindType, cdcmsg.KindTruncate:
		return false, nil

	case cdcmsg.KindRelation:
		if ev.Message.Delta != nil {
			b.pendingDeltas[ev.Message.RelationID] = ev.Message.Delta
		}
		return false, nil

	case cdcmsg.KindCommit:
		if b.opts.AlignToCommit && len(b.batch) > 0 {
			return true, b.Flush(ctx)
		}
		return false, nil

	case cdcmsg.KindInsert, cdcmsg.KindUpdate, cdcmsg.KindDelete:
		b.batch = append(b.batch, ev)
		if ev.LSN > b.maxLSNInBatch {
			b.maxLSNInBatch = ev.LSN
		}
		if len(b.batch) >= b.opts.FlushSize {
			return true, b.Flush(ctx)
		}
		return false, nil

	default:
		return false, nil
	}
}

// TimerDue reports whether flush_interval_ms has elapsed since the last
// flush; the orchestrator calls this off a ticker (§4.5 trigger 2). A
// no-op when the batch is empty (B2: no flush issued for zero events).
func (b *Batcher) TimerDue() bool {
	return len(b.batch) > 0 && time.Since(b.lastFlush) >= b.opts.FlushInterval
}

// Flush runs the flush protocol (§4.5.flush-protocol) for the current
// batch: apply pending schema deltas, group by BatchKey, push each group,
// and on success emit the max LSN onto Confirmed.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.batch) == 0 {
		b.lastFlush = time.Now()
		return nil
	}

	groups := b.group()

	relationIDs := make(map[uint32]struct{}, len(groups))
	for _, g := range groups {
		relationIDs[g.Key.RelationID] = struct{}{}
	}

	for relationID := range relationIDs {
		if delta, ok := b.pendingDeltas[relationID]; ok {
			if err := b.sink.ApplySchemaDelta(ctx, delta); err != nil {
				if cdcerr.IsSoftDDLError(err.Error()) {
					b.logger.Info("schema delta already applied, ignoring",
						zap.Uint32("relation_id", relationID), zap.Error(err))
				} else {
					b.logger.Error("schema delta DDL failed, aborting flush",
						zap.Uint32("relation_id", relationID), zap.Error(err))
					return fmt.Errorf("batch: apply schema delta for relation %d: %w", relationID, cdcerr.ErrDDLFatal)
				}
			}
			delete(b.pendingDeltas, relationID)
		}
	}

	for _, group := range groups {
		if err := b.sink.PushBatch(ctx, group); err != nil {
			b.logger.Error("push batch failed after retries", zap.Error(err))
			return fmt.Errorf("batch: push batch: %w", cdcerr.ErrBatchFailed)
		}
	}

	maxLSN := b.maxLSNInBatch
	b.batch = b.batch[:0]
	b.maxLSNInBatch = 0
	b.lastFlush = time.Now()

	select {
	case b.Confirmed <- maxLSN:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// group builds sink.Group values for every distinct BatchKey in the
// current batch (§4.5 batch-build-rules).
func (b *Batcher) group() []sink.Group {
	byKey := make(map[cdcmsg.BatchKey]*sink.Group)
	var order []cdcmsg.BatchKey

	for _, ev := range b.batch {
		m := ev.Message
		key := cdcmsg.BatchKey{RelationID: m.RelationID, ToastBitmap: cdcmsg.ToastBitmapFor(&m)}
		g, ok := byKey[key]
		if !ok {
			tbl := b.cache.Lookup(m.RelationID)
			g = &sink.Group{Key: key, Table: tbl}
			if key.ToastBitmap != 0 && tbl != nil {
				g.Columns = partialColumns(tbl, key.ToastBitmap)
			}
			byKey[key] = g
			order = append(order, key)
		}
		row, ok := b.buildRow(&m, ev.LSN)
		if ok {
			g.Rows = append(g.Rows, row)
		}
	}

	out := make([]sink.Group, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// buildRow converts one decoded DML message into a sink.Row with audit
// columns appended, or false if the relation is unknown (schema-cache miss,
// §4.3 lookup-miss policy: drop the event, warn once).
func (b *Batcher) buildRow(m *cdcmsg.CdcMessage, lsn cdcmsg.LSN) (sink.Row, bool) {
	tbl := b.cache.Lookup(m.RelationID)
	if tbl == nil {
		if b.cache.ShouldWarnMiss(m.RelationID) {
			b.logger.Warn("dropping event for unknown relation", zap.Uint32("relation_id", m.RelationID))
		}
		return nil, false
	}

	var tuple *cdcmsg.Tuple
	var opType int
	isDeleted := false
	switch m.Kind {
	case cdcmsg.KindInsert:
		tuple = m.NewTuple
		opType = cdcmsg.OpInsert
	case cdcmsg.KindUpdate:
		tuple = m.NewTuple
		opType = cdcmsg.OpUpdate
	case cdcmsg.KindDelete:
		tuple = m.OldTuple
		opType = cdcmsg.OpDelete
		isDeleted = true
	default:
		return nil, false
	}
	if tuple == nil {
		return nil, false
	}

	row := make(sink.Row, len(tuple.Columns)+4)
	partial := key0(m) != 0
	for i, col := range tuple.Columns {
		if i >= len(tbl.Columns) {
			break
		}
		if partial && col.Kind == cdcmsg.KindToast {
			continue // omitted entirely from a partial-update body (§4.6)
		}
		row[tbl.Columns[i].Name] = encode.Value(col, tbl.Columns[i].PgType)
	}
	row[cdcmsg.AuditOpType] = opType
	row[cdcmsg.AuditIsDel] = isDeleted
	row[cdcmsg.AuditSyncedAt] = time.Now().UTC().Format("2006-01-02 15:04:05")
	row[cdcmsg.AuditVersion] = uint64(lsn)
	return row, true
}

func key0(m *cdcmsg.CdcMessage) uint64 {
	return cdcmsg.ToastBitmapFor(m)
}

// partialColumns returns the column names present in a partial update:
// every column whose bit is clear in the toast bitmap, plus all four audit
// columns (P4 in spec.md §8).
func partialColumns(tbl *cdcmsg.TableSchema, toastBitmap uint64) []string {
	var cols []string
	for i, c := range tbl.Columns {
		if i < 64 && toastBitmap&(1<<uint(i)) != 0 {
			continue
		}
		cols = append(cols, c.Name)
	}
	cols = append(cols, cdcmsg.AuditOpType, cdcmsg.AuditIsDel, cdcmsg.AuditSyncedAt, cdcmsg.AuditVersion)
	return cols
}
