// Package channel implements the fixed-size control record and the
// connected-datagram transport carried between the master and each
// worker, including out-of-band file descriptor passing for
// OPEN_CHANNEL.
//
// Wire format mirrors the original C struct exactly:
//
//	struct { uint32 command; int32 pid; int32 slot; int32 fd; }
//
// encoded little-endian; process-local, never persisted or sent
// cross-host, so the endianness choice is pinned here purely so the
// record size/layout tests have something concrete to check against.
package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Command identifies the kind of control record.
type Command uint32

const (
	OpenChannel  Command = 1
	CloseChannel Command = 2
	Quit         Command = 3
	Terminate    Command = 4
	Reopen       Command = 5
)

func (c Command) String() string {
	switch c {
	case OpenChannel:
		return "OPEN_CHANNEL"
	case CloseChannel:
		return "CLOSE_CHANNEL"
	case Quit:
		return "QUIT"
	case Terminate:
		return "TERMINATE"
	case Reopen:
		return "REOPEN"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

// recordSize is the wire size of a Record: 4 uint32/int32 fields.
const recordSize = 16

// Record is one fixed-size control message.
type Record struct {
	Command Command
	Pid     int32
	Slot    int32
	// FD is informational/debug only for OPEN_CHANNEL: the real
	// descriptor transfer happens out-of-band via SCM_RIGHTS. It is -1
	// for every other command.
	FD int32
}

// ErrWouldBlock is returned by Read when no record is currently
// available on a non-blocking socket.
var ErrWouldBlock = errors.New("channel: read would block")

// NewPair creates a connected, bidirectional UNIX datagram socket pair:
// index 0 is conventionally the master-held end, index 1 the
// child-held end, matching the Slot.Channel convention in
// internal/table.
func NewPair() (master, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("channel: socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("channel: setnonblock: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "channel-master"),
		os.NewFile(uintptr(fds[1]), "channel-child"), nil
}

// Write sends rec on conn. When rec.Command is OpenChannel and
// passFD >= 0, the descriptor is transferred as ancillary data
// (SCM_RIGHTS); the in-record FD field is set for logging only.
//
// Partial writes are not retried (see SPEC_FULL.md §9): a short write
// is treated as a hard transport error, and callers fall back to
// raw-signal delivery exactly as the original "TODO: AGAIN" call site
// does implicitly by never retrying either.
func Write(conn *net.UnixConn, rec Record, passFD int) error {
	buf := &bytes.Buffer{}
	buf.Grow(recordSize)
	for _, v := range []int32{int32(rec.Command), rec.Pid, rec.Slot, rec.FD} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	var oob []byte
	if rec.Command == OpenChannel && passFD >= 0 {
		oob = unix.UnixRights(passFD)
	}

	n, oobn, err := conn.WriteMsgUnix(buf.Bytes(), oob, nil)
	if err != nil {
		return fmt.Errorf("channel: write: %w", err)
	}
	if n != recordSize || oobn != len(oob) {
		return fmt.Errorf("channel: short write (%d/%d bytes, %d/%d oob)",
			n, recordSize, oobn, len(oob))
	}
	return nil
}

// Read receives one Record from conn. If OPEN_CHANNEL carried a
// descriptor, it is returned (already dup'd into this process) along
// with the record; callers must close it once adopted into the local
// table.
//
// Read returns ErrWouldBlock when conn is non-blocking and no record is
// currently pending, matching the original's
// NETWORK_SOCKET_WAIT_FOR_EVENT.
func Read(conn *net.UnixConn) (Record, *os.File, error) {
	buf := make([]byte, recordSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, os.ErrDeadlineExceeded) {
			return Record{}, nil, ErrWouldBlock
		}
		return Record{}, nil, fmt.Errorf("channel: read: %w", err)
	}
	if n == 0 {
		return Record{}, nil, fmt.Errorf("channel: read: %w", io.EOF)
	}
	if n != recordSize {
		return Record{}, nil, fmt.Errorf("channel: short read (%d/%d bytes)", n, recordSize)
	}

	r := bytes.NewReader(buf)
	var cmd, pid, slot, fd int32
	for _, v := range []*int32{&cmd, &pid, &slot, &fd} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return Record{}, nil, err
		}
	}
	rec := Record{Command: Command(cmd), Pid: pid, Slot: slot, FD: fd}

	var passed *os.File
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, cmsg := range cmsgs {
				fds, err := unix.ParseUnixRights(&cmsg)
				if err != nil || len(fds) == 0 {
					continue
				}
				passed = os.NewFile(uintptr(fds[0]), "channel-passed")
				break
			}
		}
	}

	return rec, passed, nil
}

// Close closes both endpoints of a channel pair, tolerating either
// already being closed.
func Close(pair [2]int) {
	for _, fd := range pair {
		if fd < 0 {
			continue
		}
		_ = unix.Close(fd)
	}
}
