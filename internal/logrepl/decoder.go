package logrepl

import (
	"encoding/binary"
	"fmt"

	"github.com/dbmazz/cdc/internal/cdcerr"
	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/schema"
)

// pgoutput message type bytes (§4.2).
const (
	msgBegin    = 'B'
	msgCommit   = 'C'
	msgRelation = 'R'
	msgInsert   = 'I'
	msgUpdate   = 'U'
	msgDelete   = 'D'
	msgTruncate = 'T'
	msgOrigin   = 'O'
	msgType     = 'Y'
)

// Tuple column-kind tags within a tuple (§4.2).
const (
	tupleNull  = 'n'
	tupleToast = 'u'
	tupleText  = 't'
)

// Decoder turns XLogData payloads into CdcMessage values, updating a
// schema.Cache as Relation messages arrive. One Decoder per replication
// slot; not safe for concurrent use (the decode loop is single-threaded,
// per §4.3's "writes only from the decoder, strictly serialised").
type Decoder struct {
	cache *schema.Cache
}

// NewDecoder returns a Decoder backed by the given schema cache.
func NewDecoder(cache *schema.Cache) *Decoder {
	return &Decoder{cache: cache}
}

// Decode consumes one XLogData payload and returns at most one CdcMessage.
// A nil message with a nil error means the message type is ignored
// (Truncate/Origin/Type, or an empty payload). A ErrProtocolMismatch error
// for tuple-arity disagreement is non-fatal to the caller: log and drop.
func (d *Decoder) Decode(payload []byte) (*cdcmsg.CdcMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	tag := payload[0]
	body := payload[1:]

	switch tag {
	case msgBegin:
		return d.decodeBegin(body)
	case msgCommit:
		return d.decodeCommit(body)
	case msgRelation:
		return d.decodeRelation(body)
	case msgInsert:
		return d.decodeInsert(body)
	case msgUpdate:
		return d.decodeUpdate(body)
	case msgDelete:
		return d.decodeDelete(body)
	case msgTruncate, msgOrigin, msgType:
		return nil, nil
	default:
		return nil, fmt.Errorf("logrepl: unknown pgoutput tag %q: %w", tag, cdcerr.ErrProtocolMismatch)
	}
}

func (d *Decoder) decodeBegin(body []byte) (*cdcmsg.CdcMessage, error) {
	if len(body) < 20 {
		return nil, fmt.Errorf("logrepl: Begin message too short: %w", cdcerr.ErrProtocolMismatch)
	}
	return &cdcmsg.CdcMessage{
		Kind:     cdcmsg.KindBegin,
		FinalLSN: cdcmsg.LSN(binary.BigEndian.Uint64(body[0:8])),
		CommitTS: binary.BigEndian.Uint64(body[8:16]),
		Xid:      binary.BigEndian.Uint32(body[16:20]),
	}, nil
}

func (d *Decoder) decodeCommit(body []byte) (*cdcmsg.CdcMessage, error) {
	if len(body) < 25 {
		return nil, fmt.Errorf("logrepl: Commit message too short: %w", cdcerr.ErrProtocolMismatch)
	}
	return &cdcmsg.CdcMessage{
		Kind:        cdcmsg.KindCommit,
		CommitFlags: body[0],
		CommitLSN:   cdcmsg.LSN(binary.BigEndian.Uint64(body[1:9])),
		EndLSN:      cdcmsg.LSN(binary.BigEndian.Uint64(body[9:17])),
		CommitTS:    binary.BigEndian.Uint64(body[17:25]),
	}, nil
}

func (d *Decoder) decodeRelation(body []byte) (*cdcmsg.CdcMessage, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("logrepl: Relation message too short: %w", cdcerr.ErrProtocolMismatch)
	}
	relationID := binary.BigEndian.Uint32(body[0:4])
	rest := body[4:]

	namespace, rest, err := readCString(rest)
	if err != nil {
		return nil, fmt.Errorf("logrepl: Relation namespace: %w", err)
	}
	name, rest, err := readCString(rest)
	if err != nil {
		return nil, fmt.Errorf("logrepl: Relation name: %w", err)
	}
	if len(rest) < 3 {
		return nil, fmt.Errorf("logrepl: Relation message truncated before column header: %w", cdcerr.ErrProtocolMismatch)
	}
	replicaIdentity := rest[0]
	numColumns := binary.BigEndian.Uint16(rest[1:3])
	rest = rest[3:]

	columns := make([]cdcmsg.Column, 0, numColumns)
	for i := uint16(0); i < numColumns; i++ {
		if len(rest) < 1 {
			return nil, fmt.Errorf("logrepl: Relation column %d truncated: %w", i, cdcerr.ErrProtocolMismatch)
		}
		flags := rest[0]
		rest = rest[1:]

		var colName string
		colName, rest, err = readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("logrepl: Relation column %d name: %w", i, err)
		}
		if len(rest) < 8 {
			return nil, fmt.Errorf("logrepl: Relation column %d type header truncated: %w", i, cdcerr.ErrProtocolMismatch)
		}
		typeID := binary.BigEndian.Uint32(rest[0:4])
		typeMod := int32(binary.BigEndian.Uint32(rest[4:8]))
		rest = rest[8:]

		columns = append(columns, cdcmsg.Column{
			Flags:   flags,
			Name:    colName,
			PgType:  typeID,
			TypeMod: typeMod,
		})
	}

	next := &cdcmsg.TableSchema{
		RelationID:      relationID,
		Namespace:       namespace,
		Name:            name,
		ReplicaIdentity: replicaIdentity,
		Columns:         columns,
	}
	delta, _ := d.cache.Apply(next)

	return &cdcmsg.CdcMessage{
		Kind:       cdcmsg.KindRelation,
		RelationID: relationID,
		Relation:   next,
		Delta:      delta,
	}, nil
}

func (d *Decoder) decodeInsert(body []byte) (*cdcmsg.CdcMessage, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("logrepl: Insert message too short: %w", cdcerr.ErrProtocolMismatch)
	}
	relationID := binary.BigEndian.Uint32(body[0:4])
	rest := body[4:]
	if rest[0] != 'N' {
		return nil, fmt.Errorf("logrepl: Insert expected tuple tag 'N', got %q: %w", rest[0], cdcerr.ErrProtocolMismatch)
	}
	schemaRow := d.cache.Lookup(relationID)
	tuple, err := readTuple(rest[1:], schemaRow)
	if err != nil {
		return nil, err
	}
	return &cdcmsg.CdcMessage{
		Kind:       cdcmsg.KindInsert,
		RelationID: relationID,
		NewTuple:   &tuple,
	}, nil
}

func (d *Decoder) decodeUpdate(body []byte) (*cdcmsg.CdcMessage, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("logrepl: Update message too short: %w", cdcerr.ErrProtocolMismatch)
	}
	relationID := binary.BigEndian.Uint32(body[0:4])
	rest := body[4:]
	schemaRow := d.cache.Lookup(relationID)

	msg := &cdcmsg.CdcMessage{Kind: cdcmsg.KindUpdate, RelationID: relationID}

	if len(rest) == 0 {
		return nil, fmt.Errorf("logrepl: Update message missing tuple tag: %w", cdcerr.ErrProtocolMismatch)
	}
	switch rest[0] {
	case 'K', 'O':
		old, n, err := readTupleCounted(rest[1:], schemaRow)
		if err != nil {
			return nil, err
		}
		msg.OldTuple = &old
		rest = rest[1+n:]
		if len(rest) == 0 || rest[0] != 'N' {
			return nil, fmt.Errorf("logrepl: Update missing new-tuple tag: %w", cdcerr.ErrProtocolMismatch)
		}
		rest = rest[1:]
	case 'N':
		rest = rest[1:]
	default:
		return nil, fmt.Errorf("logrepl: Update unexpected tuple tag %q: %w", rest[0], cdcerr.ErrProtocolMismatch)
	}

	newTuple, err := readTuple(rest, schemaRow)
	if err != nil {
		return nil, err
	}
	msg.NewTuple = &newTuple
	return msg, nil
}

func (d *Decoder) decodeDelete(body []byte) (*cdcmsg.CdcMessage, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("logrepl: Delete message too short: %w", cdcerr.ErrProtocolMismatch)
	}
	relationID := binary.BigEndian.Uint32(body[0:4])
	rest := body[4:]
	if len(rest) == 0 || (rest[0] != 'K' && rest[0] != 'O') {
		return nil, fmt.Errorf("logrepl: Delete expected tuple tag 'K' or 'O': %w", cdcerr.ErrProtocolMismatch)
	}
	schemaRow := d.cache.Lookup(relationID)
	tuple, err := readTuple(rest[1:], schemaRow)
	if err != nil {
		return nil, err
	}
	return &cdcmsg.CdcMessage{
		Kind:       cdcmsg.KindDelete,
		RelationID: relationID,
		OldTuple:   &tuple,
	}, nil
}

// readTuple parses a tuple and, if a schema is cached for the governing
// relation, enforces that its column count matches (§3: "len(cols) ==
// len(relation.columns)"); a mismatch is ErrProtocolMismatch.
func readTuple(body []byte, schemaRow *cdcmsg.TableSchema) (cdcmsg.Tuple, error) {
	t, _, err := readTupleCounted(body, schemaRow)
	return t, err
}

// readTupleCounted is readTuple plus the number of bytes consumed, needed
// by Update to locate the boundary between an optional old tuple and the
// mandatory new tuple.
func readTupleCounted(body []byte, schemaRow *cdcmsg.TableSchema) (cdcmsg.Tuple, int, error) {
	if len(body) < 2 {
		return cdcmsg.Tuple{}, 0, fmt.Errorf("logrepl: tuple header truncated: %w", cdcerr.ErrProtocolMismatch)
	}
	numCols := int(binary.BigEndian.Uint16(body[0:2]))
	consumed := 2
	body = body[2:]

	if schemaRow != nil && numCols != len(schemaRow.Columns) {
		return cdcmsg.Tuple{}, 0, fmt.Errorf("logrepl: tuple has %d columns, relation has %d: %w", numCols, len(schemaRow.Columns), cdcerr.ErrProtocolMismatch)
	}

	cols := make([]cdcmsg.TupleData, 0, numCols)
	for i := 0; i < numCols; i++ {
		if len(body) < 1 {
			return cdcmsg.Tuple{}, 0, fmt.Errorf("logrepl: tuple column %d truncated: %w", i, cdcerr.ErrProtocolMismatch)
		}
		kind := body[0]
		body = body[1:]
		consumed++

		switch kind {
		case tupleNull:
			cols = append(cols, cdcmsg.TupleData{Kind: cdcmsg.KindNull})
		case tupleToast:
			cols = append(cols, cdcmsg.TupleData{Kind: cdcmsg.KindToast})
		case tupleText:
			if len(body) < 4 {
				return cdcmsg.Tuple{}, 0, fmt.Errorf("logrepl: tuple column %d length truncated: %w", i, cdcerr.ErrProtocolMismatch)
			}
			n := int(int32(binary.BigEndian.Uint32(body[0:4])))
			body = body[4:]
			consumed += 4
			if n < 0 || len(body) < n {
				return cdcmsg.Tuple{}, 0, fmt.Errorf("logrepl: tuple column %d text truncated: %w", i, cdcerr.ErrProtocolMismatch)
			}
			cols = append(cols, cdcmsg.TupleData{Kind: cdcmsg.KindText, Text: body[:n]})
			body = body[n:]
			consumed += n
		default:
			return cdcmsg.Tuple{}, 0, fmt.Errorf("logrepl: unknown tuple column kind %q: %w", kind, cdcerr.ErrProtocolMismatch)
		}
	}

	return cdcmsg.NewTuple(cols), consumed, nil
}

// readCString reads a NUL-terminated string and returns it along with the
// remaining bytes after the terminator.
func readCString(body []byte) (string, []byte, error) {
	for i, b := range body {
		if b == 0 {
			return string(body[:i]), body[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("logrepl: unterminated cstring: %w", cdcerr.ErrProtocolMismatch)
}
