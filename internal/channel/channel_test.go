package channel_test

import (
	"errors"
	"net"
	"os"
	"testing"

	"github.com/sysfleet/fleetd/internal/channel"
)

func pair(t *testing.T) (*net.UnixConn, *net.UnixConn, func()) {
	t.Helper()
	master, child, err := channel.NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}

	mc, err := net.FileConn(master)
	if err != nil {
		t.Fatalf("FileConn(master): %v", err)
	}
	cc, err := net.FileConn(child)
	if err != nil {
		t.Fatalf("FileConn(child): %v", err)
	}
	master.Close()
	child.Close()

	return mc.(*net.UnixConn), cc.(*net.UnixConn), func() {
		mc.Close()
		cc.Close()
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	mc, cc, cleanup := pair(t)
	defer cleanup()

	want := channel.Record{Command: channel.Quit, Pid: 1234, Slot: 2, FD: -1}
	if err := channel.Write(mc, want, -1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, fd, err := channel.Read(cc)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fd != nil {
		t.Fatalf("Read returned a passed fd for a non-OPEN_CHANNEL record")
	}
	if got != want {
		t.Fatalf("Read = %+v, want %+v", got, want)
	}
}

func TestReadWouldBlock(t *testing.T) {
	_, cc, cleanup := pair(t)
	defer cleanup()

	_, _, err := channel.Read(cc)
	if !errors.Is(err, channel.ErrWouldBlock) {
		t.Fatalf("Read err = %v, want ErrWouldBlock", err)
	}
}

func TestOpenChannelPassesFD(t *testing.T) {
	mc, cc, cleanup := pair(t)
	defer cleanup()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	rec := channel.Record{Command: channel.OpenChannel, Pid: 1, Slot: 0, FD: int32(w.Fd())}
	if err := channel.Write(mc, rec, int(w.Fd())); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, passed, err := channel.Read(cc)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if passed == nil {
		t.Fatal("Read did not return a passed fd for OPEN_CHANNEL")
	}
	defer passed.Close()

	if got.Command != channel.OpenChannel {
		t.Fatalf("Command = %v, want OpenChannel", got.Command)
	}

	if _, err := passed.Write([]byte("ok")); err != nil {
		t.Fatalf("write through passed fd: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("read from original pipe end: %v", err)
	}
	if string(buf) != "ok" {
		t.Fatalf("got %q, want %q", buf, "ok")
	}
}

func TestCommandString(t *testing.T) {
	cases := map[channel.Command]string{
		channel.OpenChannel:  "OPEN_CHANNEL",
		channel.CloseChannel: "CLOSE_CHANNEL",
		channel.Quit:         "QUIT",
		channel.Terminate:    "TERMINATE",
		channel.Reopen:       "REOPEN",
	}
	for cmd, want := range cases {
		if got := cmd.String(); got != want {
			t.Errorf("Command(%d).String() = %q, want %q", cmd, got, want)
		}
	}
}
