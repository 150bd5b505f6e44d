package logrepl

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/schema"
)

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, []byte(s)...)
	return append(buf, 0)
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendUint16(buf []byte, v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return append(buf, b...)
}

// buildRelation constructs a Relation message body for relationID with the
// given column names, all typed text (OID 25).
func buildRelation(relationID uint32, columns []string) []byte {
	buf := []byte{msgRelation}
	buf = appendUint32(buf, relationID)
	buf = appendCString(buf, "public")
	buf = appendCString(buf, "orders")
	buf = append(buf, 'f') // replica identity full
	buf = appendUint16(buf, uint16(len(columns)))
	for _, name := range columns {
		buf = append(buf, 0) // flags
		buf = appendCString(buf, name)
		buf = appendUint32(buf, 25) // text OID
		buf = appendUint32(buf, uint32(0xFFFFFFFF))
	}
	return buf
}

// buildTupleTextTuple builds the given tuple tag followed by len(values) text columns.
func buildTupleTextTuple(tag byte, values []string) []byte {
	buf := []byte{tag}
	buf = appendUint16(buf, uint16(len(values)))
	for _, v := range values {
		buf = append(buf, tupleText)
		buf = appendUint32(buf, uint32(len(v)))
		buf = append(buf, []byte(v)...)
	}
	return buf
}

func buildInsert(relationID uint32, values []string) []byte {
	buf := []byte{msgInsert}
	buf = appendUint32(buf, relationID)
	buf = append(buf, buildTupleTextTuple('N', values)...)
	return buf
}

func buildDelete(relationID uint32, values []string) []byte {
	buf := []byte{msgDelete}
	buf = appendUint32(buf, relationID)
	buf = append(buf, buildTupleTextTuple('O', values)...)
	return buf
}

func buildUpdate(relationID uint32, oldValues, newValues []string) []byte {
	buf := []byte{msgUpdate}
	buf = appendUint32(buf, relationID)
	if oldValues != nil {
		buf = append(buf, buildTupleTextTuple('O', oldValues)...)
	}
	buf = append(buf, buildTupleTextTuple('N', newValues)...)
	return buf
}

func buildBegin(finalLSN cdcmsg.LSN, commitTS uint64, xid uint32) []byte {
	buf := []byte{msgBegin}
	buf = appendUint64(buf, uint64(finalLSN))
	buf = appendUint64(buf, commitTS)
	buf = appendUint32(buf, xid)
	return buf
}

func buildCommit(flags byte, commitLSN, endLSN cdcmsg.LSN, ts uint64) []byte {
	buf := []byte{msgCommit}
	buf = append(buf, flags)
	buf = appendUint64(buf, uint64(commitLSN))
	buf = appendUint64(buf, uint64(endLSN))
	buf = appendUint64(buf, ts)
	return buf
}

func TestDecodeBeginCommit(t *testing.T) {
	d := NewDecoder(schema.New())

	msg, err := d.Decode(buildBegin(100, 5000, 42))
	require.NoError(t, err)
	require.Equal(t, cdcmsg.KindBegin, msg.Kind)
	require.Equal(t, cdcmsg.LSN(100), msg.FinalLSN)
	require.Equal(t, uint32(42), msg.Xid)

	msg, err = d.Decode(buildCommit(0, 100, 200, 6000))
	require.NoError(t, err)
	require.Equal(t, cdcmsg.KindCommit, msg.Kind)
	require.Equal(t, cdcmsg.LSN(100), msg.CommitLSN)
	require.Equal(t, cdcmsg.LSN(200), msg.EndLSN)
}

func TestDecodeRelationPopulatesSchemaCache(t *testing.T) {
	cache := schema.New()
	d := NewDecoder(cache)

	msg, err := d.Decode(buildRelation(1, []string{"id", "name"}))
	require.NoError(t, err)
	require.Equal(t, cdcmsg.KindRelation, msg.Kind)
	require.Equal(t, uint32(1), msg.RelationID)
	require.Nil(t, msg.Delta, "first sighting of a relation produces no delta")
	require.Equal(t, "public", msg.Relation.Namespace)
	require.Equal(t, "orders", msg.Relation.Name)
	require.Len(t, msg.Relation.Columns, 2)

	cached := cache.Lookup(1)
	require.NotNil(t, cached)
	require.Equal(t, "name", cached.Columns[1].Name)
}

func TestDecodeRelationEmitsDeltaOnColumnAddition(t *testing.T) {
	cache := schema.New()
	d := NewDecoder(cache)

	_, err := d.Decode(buildRelation(1, []string{"id"}))
	require.NoError(t, err)

	msg, err := d.Decode(buildRelation(1, []string{"id", "email"}))
	require.NoError(t, err)
	require.NotNil(t, msg.Delta)
	require.Len(t, msg.Delta.AddedColumns, 1)
	require.Equal(t, "email", msg.Delta.AddedColumns[0].Name)
}

func TestDecodeInsertRoundTrip(t *testing.T) {
	cache := schema.New()
	d := NewDecoder(cache)

	_, err := d.Decode(buildRelation(7, []string{"id", "name"}))
	require.NoError(t, err)

	msg, err := d.Decode(buildInsert(7, []string{"1", "alice"}))
	require.NoError(t, err)
	require.Equal(t, cdcmsg.KindInsert, msg.Kind)
	require.Equal(t, uint32(7), msg.RelationID)
	require.NotNil(t, msg.NewTuple)
	require.Len(t, msg.NewTuple.Columns, 2)
	require.Equal(t, cdcmsg.KindText, msg.NewTuple.Columns[0].Kind)
	require.Equal(t, "1", string(msg.NewTuple.Columns[0].Text))
	require.Equal(t, "alice", string(msg.NewTuple.Columns[1].Text))
	require.Equal(t, uint64(0), msg.NewTuple.ToastBitmap)
}

func TestDecodeUpdateWithOldTuple(t *testing.T) {
	cache := schema.New()
	d := NewDecoder(cache)
	_, err := d.Decode(buildRelation(7, []string{"id", "name"}))
	require.NoError(t, err)

	msg, err := d.Decode(buildUpdate(7, []string{"1", "alice"}, []string{"1", "alicia"}))
	require.NoError(t, err)
	require.Equal(t, cdcmsg.KindUpdate, msg.Kind)
	require.NotNil(t, msg.OldTuple)
	require.NotNil(t, msg.NewTuple)
	require.Equal(t, "alice", string(msg.OldTuple.Columns[1].Text))
	require.Equal(t, "alicia", string(msg.NewTuple.Columns[1].Text))
}

func TestDecodeUpdateNewTupleOnly(t *testing.T) {
	cache := schema.New()
	d := NewDecoder(cache)
	_, err := d.Decode(buildRelation(7, []string{"id", "name"}))
	require.NoError(t, err)

	msg, err := d.Decode(buildUpdate(7, nil, []string{"1", "alicia"}))
	require.NoError(t, err)
	require.Nil(t, msg.OldTuple)
	require.NotNil(t, msg.NewTuple)
}

func TestDecodeDeleteRoundTrip(t *testing.T) {
	cache := schema.New()
	d := NewDecoder(cache)
	_, err := d.Decode(buildRelation(7, []string{"id", "name"}))
	require.NoError(t, err)

	msg, err := d.Decode(buildDelete(7, []string{"1", "alice"}))
	require.NoError(t, err)
	require.Equal(t, cdcmsg.KindDelete, msg.Kind)
	require.NotNil(t, msg.OldTuple)
	require.Nil(t, msg.NewTuple)
}

func TestDecodeTupleArityMismatchIsProtocolError(t *testing.T) {
	cache := schema.New()
	d := NewDecoder(cache)
	_, err := d.Decode(buildRelation(7, []string{"id", "name"}))
	require.NoError(t, err)

	// Insert carrying only one column while the cached relation has two.
	_, err = d.Decode(buildInsert(7, []string{"1"}))
	require.Error(t, err)
}

func TestDecodeTruncateOriginTypeAreIgnored(t *testing.T) {
	d := NewDecoder(schema.New())
	for _, tag := range []byte{msgTruncate, msgOrigin, msgType} {
		msg, err := d.Decode([]byte{tag})
		require.NoError(t, err)
		require.Nil(t, msg)
	}
}

func TestDecodeUnknownTagIsProtocolError(t *testing.T) {
	d := NewDecoder(schema.New())
	_, err := d.Decode([]byte{'Z'})
	require.Error(t, err)
}

func TestDecodeEmptyPayloadIsNoOp(t *testing.T) {
	d := NewDecoder(schema.New())
	msg, err := d.Decode(nil)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestToastBitmapForUpdate(t *testing.T) {
	cache := schema.New()
	d := NewDecoder(cache)
	_, err := d.Decode(buildRelation(7, []string{"id", "name"}))
	require.NoError(t, err)

	// Build an update whose new tuple has a toasted second column.
	buf := []byte{msgUpdate}
	buf = appendUint32(buf, 7)
	buf = append(buf, 'N')
	buf = appendUint16(buf, 2)
	buf = append(buf, tupleText)
	buf = appendUint32(buf, 1)
	buf = append(buf, '1')
	buf = append(buf, tupleToast)

	msg, err := d.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(0b10), msg.NewTuple.ToastBitmap)
	require.Equal(t, uint64(0b10), cdcmsg.ToastBitmapFor(msg))
}
