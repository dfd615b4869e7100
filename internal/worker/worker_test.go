package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sysfleet/fleetd/internal/channel"
	"github.com/sysfleet/fleetd/internal/signals"
	"github.com/sysfleet/fleetd/internal/table"
)

// pair returns a connected (workerConn, remoteConn) UnixConn pair: the
// worker under test adopts workerConn the way New adopts fd 3, and the
// test drives remoteConn the way the master would.
func pair(t *testing.T) (workerConn, remoteConn *net.UnixConn, cleanup func()) {
	t.Helper()
	a, b, err := channel.NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	wc, err := net.FileConn(a)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	rc, err := net.FileConn(b)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	a.Close()
	b.Close()
	return wc.(*net.UnixConn), rc.(*net.UnixConn), func() { wc.Close(); rc.Close() }
}

func newTestWorker(t *testing.T, inherited []table.Slot) (*Worker, *net.UnixConn, chan struct{}) {
	t.Helper()
	wc, rc, cleanup := pair(t)
	t.Cleanup(cleanup)

	exited := make(chan struct{})
	w, err := newWorker(int(fdOf(t, wc)), wc, Config{
		Slot:      0,
		Inherited: inherited,
		Signals:   signals.Default(),
		Exit:      func() { close(exited) },
	})
	if err != nil {
		t.Fatalf("newWorker: %v", err)
	}
	t.Cleanup(func() { w.stopIntake() })
	return w, rc, exited
}

func fdOf(t *testing.T, c *net.UnixConn) uintptr {
	t.Helper()
	f, err := c.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	// Kept open for the test's lifetime: the returned fd is what the
	// worker's event loop polls, just as New polls fd 3.
	t.Cleanup(func() { f.Close() })
	return f.Fd()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewDeepCopiesInheritedTable(t *testing.T) {
	inherited := []table.Slot{{Pid: 11}, {Pid: 22}}
	w, _, _ := newTestWorker(t, inherited)

	inherited[0].Pid = 999 // mutating the caller's slice must not affect the worker

	s, ok := w.Table().Slot(0)
	if !ok || s.Pid != 11 {
		t.Fatalf("slot 0 = %+v ok=%v, want Pid 11 (deep copy should be independent)", s, ok)
	}
}

func TestDispatchOpenChannelAdoptsSlot(t *testing.T) {
	w, remote, _ := newTestWorker(t, nil)

	rec := channel.Record{Command: channel.OpenChannel, Pid: 77, Slot: 3, FD: -1}
	if err := channel.Write(remote, rec, -1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		s, ok := w.Table().Slot(3)
		return ok && s.Pid == 77
	})
}

func TestDispatchQuitSetsExitingEventually(t *testing.T) {
	w, remote, exited := newTestWorker(t, nil)

	go func() { _ = w.Run(context.Background()) }()

	rec := channel.Record{Command: channel.Quit, Pid: 0, Slot: 0, FD: -1}
	if err := channel.Write(remote, rec, -1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after a QUIT record with no further work pending")
	}
}

func TestDispatchTerminateExitsImmediately(t *testing.T) {
	w, remote, exited := newTestWorker(t, nil)

	go func() { _ = w.Run(context.Background()) }()

	rec := channel.Record{Command: channel.Terminate, Pid: 0, Slot: 0, FD: -1}
	if err := channel.Write(remote, rec, -1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after a TERMINATE record")
	}
}
