package master_test

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sysfleet/fleetd/internal/channel"
	"github.com/sysfleet/fleetd/internal/master"
	"github.com/sysfleet/fleetd/internal/signals"
	"github.com/sysfleet/fleetd/internal/table"
)

// fakeSpawner stands in for internal/spawn.OSSpawner: instead of
// re-executing the binary, it hands back one end of a real socket pair
// and lets the test script a "child process" directly off the other
// end.
type fakeSpawner struct {
	mu       sync.Mutex
	nextPid  int
	childEnd map[int]*net.UnixConn
	exitc    map[int]chan struct{}
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{childEnd: map[int]*net.UnixConn{}, exitc: map[int]chan struct{}{}}
}

func (f *fakeSpawner) Spawn(slot int) (pid int, masterEnd *os.File, wait func() error, err error) {
	me, ce, err := channel.NewPair()
	if err != nil {
		return 0, nil, nil, err
	}

	conn, err := net.FileConn(ce)
	if err != nil {
		return 0, nil, nil, err
	}
	ce.Close()

	f.mu.Lock()
	f.nextPid++
	pid = f.nextPid
	f.childEnd[pid] = conn.(*net.UnixConn)
	exitc := make(chan struct{})
	f.exitc[pid] = exitc
	f.mu.Unlock()

	return pid, me, func() error { <-exitc; return nil }, nil
}

func (f *fakeSpawner) exit(pid int) {
	f.mu.Lock()
	ch, ok := f.exitc[pid]
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (f *fakeSpawner) conn(pid int) *net.UnixConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childEnd[pid]
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

func newTestMaster(t *testing.T, n int, spawner *fakeSpawner) (*master.Master, chan struct{}) {
	t.Helper()
	exited := make(chan struct{})
	m := master.New(master.Config{
		WorkerProcesses: n,
		Signals:         signals.Default(),
		Spawner:         spawner,
		Exit:            func() { close(exited) },
	})
	return m, exited
}

func TestRunStartsConfiguredWorkerCount(t *testing.T) {
	spawner := newFakeSpawner()
	m, _ := newTestMaster(t, 3, spawner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)

	waitFor(t, time.Second, func() bool { return m.Table().Len() == 3 })

	snap := m.Table().Snapshot()
	for i, s := range snap {
		if s.Pid == table.NoPID {
			t.Fatalf("slot %d has no pid after startup", i)
		}
		if !s.Respawn {
			t.Fatalf("slot %d Respawn = false, want true", i)
		}
	}
}

func TestReapRespawnsExitedWorker(t *testing.T) {
	spawner := newFakeSpawner()
	m, _ := newTestMaster(t, 1, spawner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, time.Second, func() bool { return m.Table().Len() == 1 })

	s, _ := m.Table().Slot(0)
	original := s.Pid

	spawner.exit(original)

	waitFor(t, time.Second, func() bool {
		s, _ := m.Table().Slot(0)
		return s.Pid != original && s.Pid != table.NoPID
	})
}

func TestQuitDrainsAndExits(t *testing.T) {
	spawner := newFakeSpawner()
	m, exited := newTestMaster(t, 2, spawner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, time.Second, func() bool { return m.Table().Len() == 2 })

	snap := m.Table().Snapshot()
	pids := []int{snap[0].Pid, snap[1].Pid}

	m.Flags().SetQuit()

	for _, pid := range pids {
		var conn *net.UnixConn
		waitFor(t, time.Second, func() bool {
			conn = spawner.conn(pid)
			return conn != nil
		})

		conn.SetReadDeadline(time.Now().Add(time.Second))
		rec, _, err := channel.Read(conn)
		if err != nil {
			t.Fatalf("reading QUIT record for pid %d: %v", pid, err)
		}
		if rec.Command != channel.Quit {
			t.Fatalf("pid %d got command %v, want Quit", pid, rec.Command)
		}
	}

	for _, pid := range pids {
		spawner.exit(pid)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("master did not exit after every worker drained")
	}
}

func TestMasterExitReleasesPidfileLockBeforeExit(t *testing.T) {
	spawner := newFakeSpawner()

	var released, exited bool
	var mu sync.Mutex

	m := master.New(master.Config{
		WorkerProcesses: 1,
		Signals:         signals.Default(),
		Spawner:         spawner,
		ReleaseLock: func() error {
			mu.Lock()
			released = true
			mu.Unlock()
			return nil
		},
		Exit: func() {
			mu.Lock()
			if !released {
				mu.Unlock()
				t.Error("Exit called before ReleaseLock")
				return
			}
			exited = true
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, time.Second, func() bool { return m.Table().Len() == 1 })
	snap := m.Table().Snapshot()
	pid := snap[0].Pid

	m.Flags().SetQuit()

	var conn *net.UnixConn
	waitFor(t, time.Second, func() bool {
		conn = spawner.conn(pid)
		return conn != nil
	})
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := channel.Read(conn); err != nil {
		t.Fatalf("reading QUIT record: %v", err)
	}

	spawner.exit(pid)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exited
	})

	mu.Lock()
	defer mu.Unlock()
	if !released {
		t.Fatal("ReleaseLock was never called")
	}
}
