package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// ZKTeco terminals speak a binary command/response protocol over TCP. Each
// frame is a small little-endian header followed by a payload; attendance and
// user records are fixed-size structs inside data frames.
const (
	zkMagic uint16 = 0x5050

	zkCmdConnect uint16 = 1000
	zkCmdExit    uint16 = 1001
	zkCmdAuth    uint16 = 1102
	zkCmdAttLog  uint16 = 13
	zkCmdUsers   uint16 = 9

	zkReplyOK    uint16 = 2000
	zkReplyError uint16 = 2001
	zkReplyAuth  uint16 = 2005
	zkReplyData  uint16 = 1500

	zkFrameHeaderSize = 8
	zkMaxPayload      = 64 * 1024

	zkAttLogRecordSize = 40
	zkUserRecordSize   = 56

	zkDefaultPort = 4370
	zkDialTimeout = 10 * time.Second
)

type zkFrame struct {
	Cmd     uint16
	Payload []byte
}

func zkChecksum(payload []byte) uint16 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return uint16(sum)
}

func zkWriteFrame(w io.Writer, f zkFrame) error {
	header := make([]byte, zkFrameHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], zkMagic)
	binary.LittleEndian.PutUint16(header[2:4], f.Cmd)
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(header[6:8], zkChecksum(f.Payload))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func zkReadFrame(r io.Reader) (zkFrame, error) {
	header := make([]byte, zkFrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return zkFrame{}, err
	}
	if binary.LittleEndian.Uint16(header[0:2]) != zkMagic {
		return zkFrame{}, fmt.Errorf("bad frame magic %#x", binary.LittleEndian.Uint16(header[0:2]))
	}
	f := zkFrame{Cmd: binary.LittleEndian.Uint16(header[2:4])}
	length := int(binary.LittleEndian.Uint16(header[4:6]))
	want := binary.LittleEndian.Uint16(header[6:8])
	if length > zkMaxPayload {
		return zkFrame{}, fmt.Errorf("frame payload too large: %d", length)
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return zkFrame{}, err
		}
	}
	if zkChecksum(f.Payload) != want {
		return zkFrame{}, fmt.Errorf("frame checksum mismatch")
	}
	return f, nil
}

// zkEncodeTime packs a wall-clock time into the terminal's compact format:
// nested base-60/24/31/12 fields counted from the year 2000.
func zkEncodeTime(t time.Time) uint32 {
	return uint32(((t.Year()%100)*12*31+(int(t.Month())-1)*31+t.Day()-1)*86400 +
		t.Hour()*3600 + t.Minute()*60 + t.Second())
}

// zkDecodeTime is the inverse of zkEncodeTime. The result is naive device
// wall-clock time; the normalizer applies the device's declared offset.
func zkDecodeTime(v uint32) time.Time {
	t := int(v)
	sec := t % 60
	t /= 60
	min := t % 60
	t /= 60
	hour := t % 24
	t /= 24
	day := t%31 + 1
	t /= 31
	month := t%12 + 1
	t /= 12
	year := t + 2000
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}

// ZKTeco fetches attendance logs from a ZKTeco-family terminal over TCP.
type ZKTeco struct {
	desc models.DeviceDescriptor
	log  *zap.Logger
}

func newZKTeco(desc models.DeviceDescriptor, log *zap.Logger) *ZKTeco {
	return &ZKTeco{desc: desc, log: log}
}

func (z *ZKTeco) addr() string {
	port := z.desc.Port
	if port == 0 {
		port = zkDefaultPort
	}
	return fmt.Sprintf("%s:%d", z.desc.Host, port)
}

// connect dials the terminal and runs the handshake (connect + optional
// password auth). The caller owns the returned connection.
func (z *ZKTeco) connect(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: zkDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", z.addr())
	if err != nil {
		return nil, &ConnectionError{DeviceID: z.desc.ID, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := zkWriteFrame(conn, zkFrame{Cmd: zkCmdConnect}); err != nil {
		conn.Close()
		return nil, &ConnectionError{DeviceID: z.desc.ID, Err: err}
	}
	reply, err := zkReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{DeviceID: z.desc.ID, Err: err}
	}
	switch reply.Cmd {
	case zkReplyOK:
	case zkReplyAuth:
		if err := z.authenticate(conn); err != nil {
			conn.Close()
			return nil, err
		}
	default:
		conn.Close()
		return nil, &ProtocolError{DeviceID: z.desc.ID, Err: fmt.Errorf("unexpected handshake reply %d", reply.Cmd)}
	}
	return conn, nil
}

func (z *ZKTeco) authenticate(conn net.Conn) error {
	if err := zkWriteFrame(conn, zkFrame{Cmd: zkCmdAuth, Payload: []byte(z.desc.Password)}); err != nil {
		return &ConnectionError{DeviceID: z.desc.ID, Err: err}
	}
	reply, err := zkReadFrame(conn)
	if err != nil {
		return &ConnectionError{DeviceID: z.desc.ID, Err: err}
	}
	if reply.Cmd != zkReplyOK {
		return &AuthError{DeviceID: z.desc.ID, Message: "terminal rejected password"}
	}
	return nil
}

func (z *ZKTeco) disconnect(conn net.Conn) {
	// Best effort; the terminal drops the session either way.
	zkWriteFrame(conn, zkFrame{Cmd: zkCmdExit})
	conn.Close()
}

// Fetch reads the attendance log. The terminal streams data frames packed
// with fixed-size records and terminates with an OK frame; a dropped
// connection mid-stream returns the records parsed so far plus a
// ConnectionError so the cycle can commit partially.
func (z *ZKTeco) Fetch(ctx context.Context, since time.Time) ([]models.RawPunch, error) {
	conn, err := z.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer z.disconnect(conn)

	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, zkEncodeTime(since))
	if err := zkWriteFrame(conn, zkFrame{Cmd: zkCmdAttLog, Payload: req}); err != nil {
		return nil, &ConnectionError{DeviceID: z.desc.ID, Err: err}
	}

	var punches []models.RawPunch
	for {
		frame, err := zkReadFrame(conn)
		if err != nil {
			return punches, &ConnectionError{DeviceID: z.desc.ID, Err: err}
		}
		switch frame.Cmd {
		case zkReplyOK:
			z.log.Debug("zkteco fetch complete",
				zap.String("device_id", z.desc.ID),
				zap.Int("records", len(punches)),
			)
			return punches, nil
		case zkReplyData:
			records, err := z.parseAttLog(frame.Payload, since)
			punches = append(punches, records...)
			if err != nil {
				return punches, err
			}
		case zkReplyError:
			return punches, &ProtocolError{DeviceID: z.desc.ID, Err: fmt.Errorf("terminal reported error reading log")}
		default:
			return punches, &ProtocolError{DeviceID: z.desc.ID, Err: fmt.Errorf("unexpected frame %d", frame.Cmd)}
		}
	}
}

// parseAttLog decodes the complete records in a data frame. A trailing
// partial record aborts the frame but keeps what already parsed.
func (z *ZKTeco) parseAttLog(payload []byte, since time.Time) ([]models.RawPunch, error) {
	var punches []models.RawPunch
	for off := 0; off+zkAttLogRecordSize <= len(payload); off += zkAttLogRecordSize {
		rec := payload[off : off+zkAttLogRecordSize]
		uid := binary.LittleEndian.Uint32(rec[0:4])
		userID := string(bytes.TrimRight(rec[4:28], "\x00"))
		ts := zkDecodeTime(binary.LittleEndian.Uint32(rec[28:32]))
		punch := rec[32]
		status := rec[33]

		if !since.IsZero() && ts.Before(since) {
			continue
		}

		punches = append(punches, models.RawPunch{
			DeviceID:     z.desc.ID,
			DeviceUserID: userID,
			Timestamp:    ts,
			Direction:    zkDirection(punch),
			Sequence:     int64(uid),
			Payload:      fmt.Sprintf("uid=%d punch=%d status=%d", uid, punch, status),
		})
	}
	if len(payload)%zkAttLogRecordSize != 0 {
		return punches, &ProtocolError{DeviceID: z.desc.ID, Err: fmt.Errorf("truncated attendance record (%d trailing bytes)", len(payload)%zkAttLogRecordSize)}
	}
	return punches, nil
}

func zkDirection(punch byte) models.Direction {
	switch punch {
	case 0:
		return models.DirectionIn
	case 1:
		return models.DirectionOut
	default:
		return models.DirectionUnknown
	}
}

// ListUsers reads the terminal's user table.
func (z *ZKTeco) ListUsers(ctx context.Context) ([]models.DeviceUser, error) {
	conn, err := z.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer z.disconnect(conn)

	if err := zkWriteFrame(conn, zkFrame{Cmd: zkCmdUsers}); err != nil {
		return nil, &ConnectionError{DeviceID: z.desc.ID, Err: err}
	}

	var users []models.DeviceUser
	for {
		frame, err := zkReadFrame(conn)
		if err != nil {
			return users, &ConnectionError{DeviceID: z.desc.ID, Err: err}
		}
		switch frame.Cmd {
		case zkReplyOK:
			return users, nil
		case zkReplyData:
			if len(frame.Payload)%zkUserRecordSize != 0 {
				return users, &ProtocolError{DeviceID: z.desc.ID, Err: fmt.Errorf("truncated user record")}
			}
			for off := 0; off+zkUserRecordSize <= len(frame.Payload); off += zkUserRecordSize {
				rec := frame.Payload[off : off+zkUserRecordSize]
				card := binary.LittleEndian.Uint32(rec[52:56])
				u := models.DeviceUser{
					DeviceUserID: string(bytes.TrimRight(rec[4:28], "\x00")),
					Name:         string(bytes.TrimRight(rec[28:52], "\x00")),
				}
				if card != 0 {
					u.CardNumber = fmt.Sprintf("%d", card)
				}
				users = append(users, u)
			}
		default:
			return users, &ProtocolError{DeviceID: z.desc.ID, Err: fmt.Errorf("unexpected frame %d", frame.Cmd)}
		}
	}
}

// Probe runs the handshake and disconnects.
func (z *ZKTeco) Probe(ctx context.Context) error {
	conn, err := z.connect(ctx)
	if err != nil {
		return err
	}
	z.disconnect(conn)
	return nil
}
