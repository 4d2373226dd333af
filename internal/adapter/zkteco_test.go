package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendkit/attendance-gateway/internal/models"
)

func TestZKTimeCodecRoundTrip(t *testing.T) {
	tests := []time.Time{
		time.Date(2025, 3, 10, 8, 15, 42, 0, time.UTC),
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2031, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for _, want := range tests {
		got := zkDecodeTime(zkEncodeTime(want))
		assert.True(t, got.Equal(want), "got %s, want %s", got, want)
	}
}

func TestZKFrameCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := zkFrame{Cmd: zkCmdAttLog, Payload: []byte{1, 2, 3, 250}}
	require.NoError(t, zkWriteFrame(&buf, want))

	got, err := zkReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, want.Cmd, got.Cmd)
	assert.Equal(t, want.Payload, got.Payload)
}

func TestZKReadFrameRejectsBadMagic(t *testing.T) {
	raw := make([]byte, zkFrameHeaderSize)
	binary.LittleEndian.PutUint16(raw[0:2], 0xdead)

	_, err := zkReadFrame(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "bad frame magic")
}

func TestZKReadFrameRejectsBadChecksum(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, zkWriteFrame(&buf, zkFrame{Cmd: zkCmdUsers, Payload: []byte{9, 9}}))
	raw := buf.Bytes()
	raw[len(raw)-1]++ // corrupt the payload

	_, err := zkReadFrame(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "checksum mismatch")
}

func zkAttLogRecord(uid uint32, userID string, at time.Time, punch byte) []byte {
	rec := make([]byte, zkAttLogRecordSize)
	binary.LittleEndian.PutUint32(rec[0:4], uid)
	copy(rec[4:28], userID)
	binary.LittleEndian.PutUint32(rec[28:32], zkEncodeTime(at))
	rec[32] = punch
	return rec
}

// zkServe runs a scripted terminal on a loopback listener. handle owns the
// accepted connection and must not call into t: it runs on its own goroutine.
func zkServe(t *testing.T, handle func(conn net.Conn)) models.DeviceDescriptor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return models.DeviceDescriptor{
		ID:       "zk-1",
		Protocol: models.ProtocolZKTeco,
		Host:     addr.IP.String(),
		Port:     addr.Port,
	}
}

// zkAcceptConnect consumes the connect command and acknowledges it.
func zkAcceptConnect(conn net.Conn) {
	zkReadFrame(conn)
	zkWriteFrame(conn, zkFrame{Cmd: zkReplyOK})
}

func TestZKTecoFetch(t *testing.T) {
	at := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	desc := zkServe(t, func(conn net.Conn) {
		zkAcceptConnect(conn)
		zkReadFrame(conn) // attlog request

		payload := append(
			zkAttLogRecord(101, "42", at, 0),
			zkAttLogRecord(102, "42", at.Add(9*time.Hour), 1)...,
		)
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyData, Payload: payload})
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyOK})
		zkReadFrame(conn) // exit
	})

	adapter, err := New(desc, zapNop())
	require.NoError(t, err)

	punches, err := adapter.Fetch(context.Background(), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, punches, 2)

	assert.Equal(t, "42", punches[0].DeviceUserID)
	assert.True(t, punches[0].Timestamp.Equal(at))
	assert.Equal(t, models.DirectionIn, punches[0].Direction)
	assert.Equal(t, int64(101), punches[0].Sequence)
	assert.Equal(t, models.DirectionOut, punches[1].Direction)
}

func TestZKTecoFetchFiltersBySince(t *testing.T) {
	at := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	desc := zkServe(t, func(conn net.Conn) {
		zkAcceptConnect(conn)
		zkReadFrame(conn)

		payload := append(
			zkAttLogRecord(1, "42", at.Add(-72*time.Hour), 0),
			zkAttLogRecord(2, "42", at, 0)...,
		)
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyData, Payload: payload})
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyOK})
		zkReadFrame(conn)
	})

	adapter, err := New(desc, zapNop())
	require.NoError(t, err)

	punches, err := adapter.Fetch(context.Background(), at.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, punches, 1)
	assert.Equal(t, int64(2), punches[0].Sequence)
}

func TestZKTecoFetchPartialOnDroppedConnection(t *testing.T) {
	at := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	desc := zkServe(t, func(conn net.Conn) {
		zkAcceptConnect(conn)
		zkReadFrame(conn)

		// One good data frame, then the terminal goes away mid-stream.
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyData, Payload: zkAttLogRecord(7, "42", at, 0)})
		conn.Close()
	})

	adapter, err := New(desc, zapNop())
	require.NoError(t, err)

	punches, err := adapter.Fetch(context.Background(), time.Time{})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "zk-1", connErr.DeviceID)
	// Already-parsed records survive so the cycle can commit them.
	require.Len(t, punches, 1)
	assert.Equal(t, int64(7), punches[0].Sequence)
}

func TestZKTecoPasswordAuth(t *testing.T) {
	desc := zkServe(t, func(conn net.Conn) {
		zkReadFrame(conn) // connect
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyAuth})

		frame, err := zkReadFrame(conn)
		if err != nil || frame.Cmd != zkCmdAuth || string(frame.Payload) != "secret" {
			zkWriteFrame(conn, zkFrame{Cmd: zkReplyError})
			return
		}
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyOK})
		zkReadFrame(conn)
	})
	desc.Password = "secret"

	adapter, err := New(desc, zapNop())
	require.NoError(t, err)
	assert.NoError(t, adapter.Probe(context.Background()))
}

func TestZKTecoPasswordRejected(t *testing.T) {
	desc := zkServe(t, func(conn net.Conn) {
		zkReadFrame(conn)
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyAuth})
		zkReadFrame(conn)
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyError})
	})
	desc.Password = "wrong"

	adapter, err := New(desc, zapNop())
	require.NoError(t, err)

	err = adapter.Probe(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "zk-1", authErr.DeviceID)
}

func TestZKTecoListUsers(t *testing.T) {
	desc := zkServe(t, func(conn net.Conn) {
		zkAcceptConnect(conn)
		zkReadFrame(conn) // users request

		rec := make([]byte, zkUserRecordSize)
		binary.LittleEndian.PutUint32(rec[0:4], 1)
		copy(rec[4:28], "42")
		copy(rec[28:52], "Jane Doe")
		binary.LittleEndian.PutUint32(rec[52:56], 987654)
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyData, Payload: rec})
		zkWriteFrame(conn, zkFrame{Cmd: zkReplyOK})
		zkReadFrame(conn)
	})

	adapter, err := New(desc, zapNop())
	require.NoError(t, err)

	users, err := adapter.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "42", users[0].DeviceUserID)
	assert.Equal(t, "Jane Doe", users[0].Name)
	assert.Equal(t, "987654", users[0].CardNumber)
}
