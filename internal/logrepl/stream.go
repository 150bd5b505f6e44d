package logrepl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/dbmazz/cdc/internal/cdcmsg"
)

// Connect opens a physical connection in logical-replication mode,
// appending "replication=database" to the DSN if the caller didn't already
// include it. Grounded on the teacher's connection setup in
// pkg/pglogrepl/stream.go, rebuilt directly on pgconn since pglogrepl
// itself is not used.
func Connect(ctx context.Context, databaseURL string) (*pgconn.PgConn, error) {
	dsn := databaseURL
	if !strings.Contains(dsn, "replication=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = dsn + sep + "replication=database"
	}
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("logrepl: connect: %w", err)
	}
	return conn, nil
}

// StartReplication issues START_REPLICATION for the given slot, publication
// and start LSN, requesting pgoutput proto_version 1, the layout the decoder
// parses (no streamed in-progress transactions, no logical messages).
// After this call the connection is in CopyBoth mode: subsequent reads via
// ReceiveFrame return XLogData/PrimaryKeepAlive frames.
func StartReplication(ctx context.Context, conn *pgconn.PgConn, slotName, publicationName string, startLSN cdcmsg.LSN) error {
	sql := fmt.Sprintf(
		`START_REPLICATION SLOT %s LOGICAL %s (proto_version '1', publication_names '%s')`,
		quoteIdentifier(slotName), formatLSN(startLSN), publicationName,
	)
	mrr := conn.Exec(ctx, sql)
	if err := mrr.Close(); err != nil {
		return fmt.Errorf("logrepl: START_REPLICATION: %w", err)
	}
	return nil
}

// ReceiveFrame blocks until the next replication-stream message arrives
// (or ctx is done) and parses it into a Frame.
func ReceiveFrame(ctx context.Context, conn *pgconn.PgConn) (Frame, error) {
	msg, err := conn.ReceiveMessage(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("logrepl: receive message: %w", err)
	}
	cd, ok := msg.(*pgproto3.CopyData)
	if !ok {
		return Frame{}, fmt.Errorf("logrepl: unexpected message type %T during replication", msg)
	}
	return ParseFrame(cd.Data)
}

// SendStandbyStatusUpdate writes a standby-status reply frame upstream
// (§4.7, §6). Failure is non-fatal for the checkpoint-loop caller; callers
// decide whether to log-and-continue per §7.
func SendStandbyStatusUpdate(ctx context.Context, conn *pgconn.PgConn, lsn cdcmsg.LSN) error {
	data := BuildStandbyStatusUpdate(lsn, false)
	frontend := conn.Frontend()
	frontend.Send(&pgproto3.CopyData{Data: data})
	if err := frontend.Flush(); err != nil {
		return fmt.Errorf("logrepl: send standby status: %w", err)
	}
	return nil
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// formatLSN renders an LSN in PostgreSQL's "X/Y" hex-pair textual form.
func formatLSN(lsn cdcmsg.LSN) string {
	return fmt.Sprintf("%X/%X", uint64(lsn)>>32, uint64(lsn)&0xFFFFFFFF)
}

// standbyUpdateInterval is how often the checkpoint loop sends a standby
// status update even absent a confirmed-LSN advance, keeping the slot from
// being reclaimed as inactive by the upstream server.
const standbyUpdateInterval = 10 * time.Second

// StandbyUpdateInterval exposes standbyUpdateInterval to the engine.
func StandbyUpdateInterval() time.Duration { return standbyUpdateInterval }
