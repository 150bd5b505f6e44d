// Package sink defines the contract the batcher drives (§4.6) and a small
// registry so the engine can select a sink implementation by name, mirroring
// the teacher's pipeline.RegisterConnector pattern.
package sink

import (
	"context"

	"github.com/dbmazz/cdc/internal/cdcmsg"
)

// Row is one flattened record ready for JSON encoding: column name to its
// already-converted JSON-safe value (string/int64/float64/bool/nil; the
// audit columns also carry int and uint64).
type Row map[string]any

// Group is one BatchKey's worth of rows plus, when this is a partial
// update, the explicit column list the sink must send.
type Group struct {
	Key     cdcmsg.BatchKey
	Table   *cdcmsg.TableSchema
	Rows    []Row
	Columns []string // non-nil => partial update
}

// Sink is the contract the batcher drives for every flush (§4.6).
type Sink interface {
	// PushBatch ships one BatchKey group. The StarRocks implementation
	// retries internally per §4.5 rule 2 and returns an error only once
	// retries are exhausted; the kafka, clickhouse, nats and mqtt sinks make
	// one attempt and return its error.
	PushBatch(ctx context.Context, group Group) error

	// ApplySchemaDelta issues the DDL for newly observed columns. A "column
	// already exists" style error must be swallowed (§4.5/§7/B4); any other
	// error is returned and is fatal for the flush.
	ApplySchemaDelta(ctx context.Context, delta *cdcmsg.SchemaDelta) error
}

// Factory constructs a Sink from its DSN/connection parameters.
type Factory func(dsn string) (Sink, error)

var registry = map[string]Factory{}

// Register adds a named sink implementation to the registry. Called from
// each sink subpackage's init(), matching pkg/pipeline.RegisterConnector.
func Register(name string, f Factory) {
	registry[name] = f
}

// New constructs the named sink, or an error if it was never registered
// (i.e. its subpackage was never imported for side effects).
func New(name, dsn string) (Sink, error) {
	f, ok := registry[name]
	if !ok {
		return nil, ErrUnknownSink(name)
	}
	return f(dsn)
}

// ErrUnknownSink reports a sink name with no registered factory.
type ErrUnknownSink string

func (e ErrUnknownSink) Error() string { return "sink: unknown sink " + string(e) }
