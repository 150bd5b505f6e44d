package setup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditColumnsNamesAndDDL(t *testing.T) {
	require.Len(t, AuditColumns, 4)
	names := make(map[string]bool)
	for _, c := range AuditColumns {
		names[c.name] = true
		require.NotEmpty(t, c.ddl)
	}
	require.True(t, names["dbmazz_op_type"])
	require.True(t, names["dbmazz_is_deleted"])
	require.True(t, names["dbmazz_synced_at"])
	require.True(t, names["dbmazz_cdc_version"])
}
