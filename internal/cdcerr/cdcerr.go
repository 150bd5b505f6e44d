// Package cdcerr defines the sentinel error taxonomy for the relay's
// error-handling policy: which failures are logged and skipped, which are
// fatal to a single flush, and which are fatal to the whole process.
package cdcerr

import (
	"errors"
	"strings"
)

var (
	// ErrSchemaMiss names the case of a DML event referencing a relation_id
	// the schema cache has not seen. The batcher handles a miss by dropping
	// the event and warning once; it does not return this error.
	ErrSchemaMiss = errors.New("cdcerr: relation not in schema cache")

	// ErrProtocolMismatch is returned when a tuple's column count disagrees
	// with its governing relation, or an unrecognised stream tag arrives.
	ErrProtocolMismatch = errors.New("cdcerr: protocol mismatch")

	// ErrDDLFatal is returned by a sink's ApplySchemaDelta when the DDL
	// error is not a soft-ignorable "duplicate column" / "already exists".
	ErrDDLFatal = errors.New("cdcerr: schema evolution DDL failed")

	// ErrBatchFailed is returned when a flush exhausts its retry budget.
	// Fatal to the orchestrator loop; the last confirmed LSN is the
	// recovery point on restart.
	ErrBatchFailed = errors.New("cdcerr: batch flush failed after retries")

	// ErrSetup marks a bootstrap failure (missing slot, table, permission).
	// Non-fatal to the process: it is persisted into SharedState's
	// setup_error and surfaced over HealthService; replication never starts.
	ErrSetup = errors.New("cdcerr: setup failed")

	// ErrInvalidTransition is returned by SharedState.CompareAndSwap when
	// the requested control transition is not legal from the current state.
	ErrInvalidTransition = errors.New("cdcerr: invalid control transition")
)

// IsSoftDDLError reports whether a StarRocks DDL error text is one of the
// two soft-ignorable "column already there" shapes named in spec §4.5/§7/B4.
func IsSoftDDLError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "duplicate column") || strings.Contains(lower, "already exists")
}
