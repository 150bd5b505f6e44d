package logrepl

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbmazz/cdc/internal/cdcerr"
)

func buildXLogData(walStart, walEnd, ts uint64, payload []byte) []byte {
	body := make([]byte, 24+len(payload))
	binary.BigEndian.PutUint64(body[0:8], walStart)
	binary.BigEndian.PutUint64(body[8:16], walEnd)
	binary.BigEndian.PutUint64(body[16:24], ts)
	copy(body[24:], payload)
	return append([]byte{tagXLogData}, body...)
}

func buildKeepAlive(walEnd, ts uint64, replyRequested bool) []byte {
	body := make([]byte, 17)
	binary.BigEndian.PutUint64(body[0:8], walEnd)
	binary.BigEndian.PutUint64(body[8:16], ts)
	if replyRequested {
		body[16] = 1
	}
	return append([]byte{tagKeepAlive}, body...)
}

func TestParseFrameXLogData(t *testing.T) {
	payload := []byte("BEGIN")
	raw := buildXLogData(100, 200, 12345, payload)

	frame, err := ParseFrame(raw)
	require.NoError(t, err)
	require.Equal(t, FrameXLogData, frame.Kind)
	require.Equal(t, uint64(100), frame.WALStart)
	require.Equal(t, uint64(200), frame.WALEnd)
	require.Equal(t, uint64(12345), frame.Timestamp)
	require.Equal(t, payload, frame.Payload)
}

func TestParseFrameKeepAlive(t *testing.T) {
	raw := buildKeepAlive(500, 999, true)

	frame, err := ParseFrame(raw)
	require.NoError(t, err)
	require.Equal(t, FrameKeepAlive, frame.Kind)
	require.Equal(t, uint64(500), frame.WALEnd)
	require.True(t, frame.ReplyRequested)
}

func TestParseFrameKeepAliveNoReply(t *testing.T) {
	raw := buildKeepAlive(500, 999, false)

	frame, err := ParseFrame(raw)
	require.NoError(t, err)
	require.False(t, frame.ReplyRequested)
}

func TestParseFrameUnknownTagDoesNotError(t *testing.T) {
	frame, err := ParseFrame([]byte{'z', 1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, FrameUnknown, frame.Kind)
	require.Equal(t, byte('z'), frame.RawTag)
}

func TestParseFrameEmpty(t *testing.T) {
	_, err := ParseFrame(nil)
	require.Error(t, err)
}

func TestParseFrameTruncatedXLogData(t *testing.T) {
	_, err := ParseFrame([]byte{tagXLogData, 1, 2, 3})
	require.Error(t, err)
	require.True(t, errors.Is(err, cdcerr.ErrProtocolMismatch))
}

func TestParseFrameTruncatedKeepAlive(t *testing.T) {
	_, err := ParseFrame([]byte{tagKeepAlive, 1, 2})
	require.Error(t, err)
	require.True(t, errors.Is(err, cdcerr.ErrProtocolMismatch))
}
