package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/sink"
)

func TestTableNameUsesTableWhenPresent(t *testing.T) {
	g := sink.Group{Table: &cdcmsg.TableSchema{Name: "orders"}}
	require.Equal(t, "orders", tableName(g))
}

func TestTableNameFallsBackWhenTableNil(t *testing.T) {
	require.Equal(t, "relation", tableName(sink.Group{}))
}

func TestApplySchemaDeltaIsNoop(t *testing.T) {
	s := &Sink{}
	err := s.ApplySchemaDelta(nil, &cdcmsg.SchemaDelta{TableName: "public.orders"})
	require.NoError(t, err)
}
