package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbmazz/cdc/internal/cdcmsg"
)

func tableSchema(relID uint32, cols ...string) *cdcmsg.TableSchema {
	columns := make([]cdcmsg.Column, len(cols))
	for i, name := range cols {
		columns[i] = cdcmsg.Column{Name: name, PgType: 25}
	}
	return &cdcmsg.TableSchema{
		RelationID: relID,
		Namespace:  "public",
		Name:       "orders",
		Columns:    columns,
	}
}

func TestApplyFirstSightingHasNoDelta(t *testing.T) {
	c := New()
	delta, hadPrevious := c.Apply(tableSchema(1, "id", "name"))
	require.Nil(t, delta)
	require.False(t, hadPrevious)
	require.NotNil(t, c.Lookup(1))
}

func TestApplyNoColumnChangeHasNoDelta(t *testing.T) {
	c := New()
	c.Apply(tableSchema(1, "id", "name"))
	delta, hadPrevious := c.Apply(tableSchema(1, "id", "name"))
	require.Nil(t, delta)
	require.True(t, hadPrevious)
}

func TestApplyColumnAdditionProducesDelta(t *testing.T) {
	c := New()
	c.Apply(tableSchema(1, "id", "name"))
	delta, hadPrevious := c.Apply(tableSchema(1, "id", "name", "email"))
	require.True(t, hadPrevious)
	require.NotNil(t, delta)
	require.Equal(t, "public.orders", delta.TableName)
	require.Len(t, delta.AddedColumns, 1)
	require.Equal(t, "email", delta.AddedColumns[0].Name)
}

func TestLookupMiss(t *testing.T) {
	c := New()
	require.Nil(t, c.Lookup(99))
}

func TestShouldWarnMissOncePerRelationUntilReapplied(t *testing.T) {
	c := New()
	require.True(t, c.ShouldWarnMiss(5))
	require.False(t, c.ShouldWarnMiss(5), "second miss for the same relation should not re-warn")

	c.Apply(tableSchema(5, "id"))
	require.True(t, c.ShouldWarnMiss(5), "a fresh Relation message resets the warned flag")
}
