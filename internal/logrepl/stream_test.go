package logrepl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbmazz/cdc/internal/cdcmsg"
)

func TestQuoteIdentifierEscapesDoubleQuotes(t *testing.T) {
	require.Equal(t, `"dbmazz_slot"`, quoteIdentifier("dbmazz_slot"))
	require.Equal(t, `"weird""slot"`, quoteIdentifier(`weird"slot`))
}

func TestFormatLSN(t *testing.T) {
	require.Equal(t, "0/0", formatLSN(0))
	require.Equal(t, "1/0", formatLSN(cdcmsg.LSN(1)<<32))
	require.Equal(t, "0/FF", formatLSN(0xFF))
}

func TestStandbyUpdateIntervalIsTenSeconds(t *testing.T) {
	require.Equal(t, 10*time.Second, StandbyUpdateInterval())
}
