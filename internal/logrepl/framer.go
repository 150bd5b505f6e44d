// Package logrepl is the hand-built replication framer and pgoutput
// decoder (§4.1, §4.2). This is the core the rest of the pipeline depends
// on; deliberately not built on github.com/jackc/pglogrepl — see DESIGN.md.
package logrepl

import (
	"encoding/binary"
	"fmt"

	"github.com/dbmazz/cdc/internal/cdcerr"
)

// FrameKind tags a parsed replication-stream message (§4.1).
type FrameKind uint8

const (
	FrameXLogData FrameKind = iota
	FrameKeepAlive
	FrameUnknown
)

// Wire tags for the replication streaming protocol.
const (
	tagXLogData  = 'w'
	tagKeepAlive = 'k'
)

// Frame is one self-delimited replication-stream message.
type Frame struct {
	Kind FrameKind

	// XLogData
	WALStart uint64
	WALEnd   uint64 // used as the event's effective LSN
	Timestamp uint64
	Payload  []byte

	// PrimaryKeepAlive
	ReplyRequested bool

	// Unknown
	RawTag byte
}

// ParseFrame splits one CopyData message (tag byte included) into a Frame.
// Unknown tags are returned as FrameUnknown rather than an error: the
// stream must not abort on them (§4.1).
func ParseFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("logrepl: empty replication message")
	}
	tag := data[0]
	body := data[1:]

	switch tag {
	case tagXLogData:
		if len(body) < 24 {
			return Frame{}, fmt.Errorf("logrepl: XLogData too short (%d bytes): %w", len(body), cdcerr.ErrProtocolMismatch)
		}
		return Frame{
			Kind:      FrameXLogData,
			WALStart:  binary.BigEndian.Uint64(body[0:8]),
			WALEnd:    binary.BigEndian.Uint64(body[8:16]),
			Timestamp: binary.BigEndian.Uint64(body[16:24]),
			Payload:   body[24:],
		}, nil

	case tagKeepAlive:
		if len(body) < 17 {
			return Frame{}, fmt.Errorf("logrepl: PrimaryKeepAlive too short (%d bytes): %w", len(body), cdcerr.ErrProtocolMismatch)
		}
		return Frame{
			Kind:           FrameKeepAlive,
			WALEnd:         binary.BigEndian.Uint64(body[0:8]),
			Timestamp:      binary.BigEndian.Uint64(body[8:16]),
			ReplyRequested: body[16] == 1,
		}, nil

	default:
		return Frame{Kind: FrameUnknown, RawTag: tag}, nil
	}
}
