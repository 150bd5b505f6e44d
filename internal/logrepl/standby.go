package logrepl

import (
	"encoding/binary"
	"time"

	"github.com/dbmazz/cdc/internal/cdcmsg"
)

// pgEpoch is 2000-01-01 00:00:00 UTC, the epoch PostgreSQL's replication
// protocol timestamps are relative to (microseconds since this instant).
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// BuildStandbyStatusUpdate constructs the 34-byte standby-status reply
// frame (tag 'r'): write/flush/apply LSN all set to lsn, current timestamp,
// and reply_requested as given. Bit-identical to the upstream protocol's
// expected layout (R2 in spec.md §8).
func BuildStandbyStatusUpdate(lsn cdcmsg.LSN, replyRequested bool) []byte {
	buf := make([]byte, 34)
	buf[0] = 'r'
	binary.BigEndian.PutUint64(buf[1:9], uint64(lsn))
	binary.BigEndian.PutUint64(buf[9:17], uint64(lsn))
	binary.BigEndian.PutUint64(buf[17:25], uint64(lsn))
	binary.BigEndian.PutUint64(buf[25:33], uint64(time.Since(pgEpoch).Microseconds()))
	if replyRequested {
		buf[33] = 1
	}
	return buf
}
