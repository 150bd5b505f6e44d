package logrepl

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbmazz/cdc/internal/cdcmsg"
)

// TestBuildStandbyStatusUpdateLayout checks the 34-byte wire layout byte
// by byte (R2 in spec.md §8): tag, three copies of lsn, a timestamp, and
// the reply_requested flag.
func TestBuildStandbyStatusUpdateLayout(t *testing.T) {
	lsn := cdcmsg.LSN(0x1234567890)

	before := time.Now()
	buf := BuildStandbyStatusUpdate(lsn, true)
	after := time.Now()

	require.Len(t, buf, 34)
	require.Equal(t, byte('r'), buf[0])
	require.Equal(t, uint64(lsn), binary.BigEndian.Uint64(buf[1:9]))
	require.Equal(t, uint64(lsn), binary.BigEndian.Uint64(buf[9:17]))
	require.Equal(t, uint64(lsn), binary.BigEndian.Uint64(buf[17:25]))
	require.Equal(t, byte(1), buf[33])

	gotMicros := binary.BigEndian.Uint64(buf[25:33])
	gotTime := pgEpoch.Add(time.Duration(gotMicros) * time.Microsecond)
	require.True(t, !gotTime.Before(before) && !gotTime.After(after.Add(time.Second)))
}

func TestBuildStandbyStatusUpdateNoReply(t *testing.T) {
	buf := BuildStandbyStatusUpdate(cdcmsg.LSN(1), false)
	require.Equal(t, byte(0), buf[33])
}
