// Package cdcmsg holds the decoded-message data model shared between the
// logical-replication decoder, the schema cache, and the batcher: the
// tagged CdcMessage variants, tuple encoding, and the batch grouping key.
package cdcmsg

// LSN is a 64-bit byte offset into the upstream write-ahead log. All
// ordering in the pipeline is defined by LSN.
type LSN uint64

// Column describes one column of a Relation message.
type Column struct {
	Flags   uint8
	Name    string
	PgType  uint32
	TypeMod int32
}

// TableSchema is the cached description of a relation, replaced wholesale
// on every Relation message for that relation_id.
type TableSchema struct {
	RelationID      uint32
	Namespace       string
	Name            string
	ReplicaIdentity byte
	Columns         []Column
}

// QualifiedName returns "namespace.name", the form StarRocks DDL and
// Stream Load URLs address a table by.
func (t *TableSchema) QualifiedName() string {
	return t.Namespace + "." + t.Name
}

// SchemaDelta is the result of diffing a new Relation against the
// previously cached one for the same relation_id. Only additions are
// expressed; removals and type changes are not applied automatically.
type SchemaDelta struct {
	RelationID    uint32
	TableName     string
	AddedColumns  []Column
}

// TupleKind tags one column's encoding within a Tuple.
type TupleKind uint8

const (
	KindNull TupleKind = iota
	KindToast
	KindText
)

// TupleData is one column's value within a Tuple: Null, Toast (unchanged,
// not shipped in WAL), or Text (the raw textual representation pgoutput
// sends for every non-null, non-toast column).
type TupleData struct {
	Kind TupleKind
	Text []byte
}

// Tuple is an ordered sequence of TupleData, one per column of the
// governing Relation, plus a bitmap marking which columns are Toast.
type Tuple struct {
	Columns     []TupleData
	ToastBitmap uint64
}

// toastBitmapOf recomputes the bitmap from the column kinds; used when a
// Tuple is constructed directly from parsed TupleData rather than having
// its bitmap threaded in separately.
func toastBitmapOf(cols []TupleData) uint64 {
	var bm uint64
	for i, c := range cols {
		if i >= 64 {
			break
		}
		if c.Kind == KindToast {
			bm |= 1 << uint(i)
		}
	}
	return bm
}

// NewTuple builds a Tuple from parsed columns, computing the toast bitmap.
func NewTuple(cols []TupleData) Tuple {
	return Tuple{Columns: cols, ToastBitmap: toastBitmapOf(cols)}
}

// MessageKind tags which pgoutput message a CdcMessage carries.
type MessageKind uint8

const (
	KindBegin MessageKind = iota
	KindCommit
	KindRelation
	KindInsert
	KindUpdate
	KindDelete
	KindTruncate
	KindOrigin
	KindType
)

// CdcMessage is a decoded pgoutput message. Only one of the typed fields is
// meaningful, selected by Kind; this mirrors the tagged-union shape of §3
// without forcing an interface-per-variant allocation for the hot path.
type CdcMessage struct {
	Kind MessageKind

	// Begin
	FinalLSN LSN
	CommitTS uint64
	Xid      uint32

	// Commit
	CommitFlags uint8
	CommitLSN   LSN
	EndLSN      LSN

	// Relation
	Relation *TableSchema
	Delta    *SchemaDelta

	// Insert / Update / Delete
	RelationID uint32
	OldTuple   *Tuple
	NewTuple   *Tuple
}

// CdcEvent is the event-channel payload: the LSN the message was observed
// at, plus the decoded message itself.
type CdcEvent struct {
	LSN     LSN
	Message CdcMessage
}

// BatchKey groups events that can be shipped in one Stream Load request:
// same relation, same set of columns present (same toast signature).
type BatchKey struct {
	RelationID  uint32
	ToastBitmap uint64
}

// ToastBitmapFor returns the BatchKey toast_bitmap for a message: always 0
// for Insert/Delete (full row), new_tuple.ToastBitmap for Update (§4.5.2).
func ToastBitmapFor(m *CdcMessage) uint64 {
	switch m.Kind {
	case KindUpdate:
		if m.NewTuple != nil {
			return m.NewTuple.ToastBitmap
		}
		return 0
	default:
		return 0
	}
}

// Audit column names appended to every emitted row (§3).
const (
	AuditOpType   = "dbmazz_op_type"
	AuditIsDel    = "dbmazz_is_deleted"
	AuditSyncedAt = "dbmazz_synced_at"
	AuditVersion  = "dbmazz_cdc_version"
)

// Operation codes stored in AuditOpType.
const (
	OpInsert = 0
	OpUpdate = 1
	OpDelete = 2
)
