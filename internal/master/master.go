// Package master implements the supervisor's signal-driven control
// loop: spawn, broadcast, signal, and reap, exactly as described in
// SPEC_FULL.md §4.1-§4.4. It never returns in production use (it exits
// the process from masterExit); Run accepts a context so tests and the
// admin/config-watch wiring can shut it down cleanly.
package master

import (
	"context"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sysfleet/fleetd/internal/channel"
	"github.com/sysfleet/fleetd/internal/escalate"
	logpkg "github.com/sysfleet/fleetd/internal/log"
	"github.com/sysfleet/fleetd/internal/signals"
	"github.com/sysfleet/fleetd/internal/table"
)

// Spawner starts one worker subprocess for slot and returns its pid and
// master-held channel endpoint. Swappable in tests; internal/spawn
// provides the real OS-process implementation.
type Spawner interface {
	Spawn(slot int) (pid int, masterEnd *os.File, wait func() error, err error)
}

// Event is a broadcast channel.Record mirrored out to observers (the
// admin feed); it carries no control authority of its own.
type Event struct {
	Seq     uint64
	Slot    int
	Record  channel.Record
}

// Config configures a Master.
type Config struct {
	WorkerProcesses int
	Signals         signals.Set
	Spawner         Spawner
	// Publish, if non-nil, receives a copy of every broadcast record.
	// It must not block; the admin package wraps a bounded channel.
	Publish func(Event)
	// Exit is called by masterExit once the fleet has fully drained.
	// Defaults to os.Exit(0).
	Exit func()
	// EscalateStart overrides the termination clock's initial interval
	// (internal/config's escalate_start). Zero keeps escalate.NewClock's
	// 50ms default.
	EscalateStart time.Duration
	// ReleaseLock, if non-nil, is called by masterExit before Exit, so
	// the pidfile lock is always dropped (and the pidfile removed) on
	// the one path that actually terminates the process (SPEC_FULL.md
	// §4.8). A caller-supplied Exit that calls os.Exit would otherwise
	// skip any defer in main(), so the release must happen here instead.
	ReleaseLock func() error
}

// Master owns the process table and drives the supervision state
// machine described in SPEC_FULL.md §4.1.
type Master struct {
	tbl   *table.Table
	flags *signals.Flags
	sig   signals.Set

	spawner     Spawner
	publish     func(Event)
	exit        func()
	releaseLock func() error

	workerProcesses int
	noaccepting     bool
	sigio           int
	clock           *escalate.Clock
	seq             uint64

	mu    sync.Mutex
	conns map[int]*net.UnixConn
}

// New constructs a Master with an empty table.
func New(cfg Config) *Master {
	exit := cfg.Exit
	if exit == nil {
		exit = func() { os.Exit(0) }
	}
	publish := cfg.Publish
	if publish == nil {
		publish = func(Event) {}
	}
	clock := escalate.NewClock()
	if cfg.EscalateStart > 0 {
		clock = escalate.NewClockWithStart(cfg.EscalateStart)
	}
	return &Master{
		tbl:             table.New(),
		flags:           signals.NewFlags(),
		sig:             cfg.Signals,
		spawner:         cfg.Spawner,
		publish:         publish,
		exit:            exit,
		releaseLock:     cfg.ReleaseLock,
		workerProcesses: cfg.WorkerProcesses,
		clock:           clock,
		conns:           make(map[int]*net.UnixConn),
	}
}

// SetPublish installs fn as the event publisher, for wiring the admin
// feed after the Master and its HTTP server are both constructed (the
// server needs the Master to build the /status handler, so Publish
// can't be supplied at New time in that wiring order).
func (m *Master) SetPublish(fn func(Event)) {
	if fn == nil {
		fn = func(Event) {}
	}
	m.mu.Lock()
	m.publish = fn
	m.mu.Unlock()
}

// Flags exposes the global supervision flags, e.g. so an admin feed or
// a config-file watcher can call Flags().SetReconfigure() the same way
// a SIGHUP would (SPEC_FULL.md §4.10).
func (m *Master) Flags() *signals.Flags { return m.flags }

// Table returns the live process table, for read-only inspection by
// the admin feed.
func (m *Master) Table() *table.Table { return m.tbl }

// Run starts the initial worker generation and drives the master loop
// until ctx is cancelled or masterExit is reached.
func (m *Master) Run(ctx context.Context) error {
	m.startWorkerProcesses(m.workerProcesses, table.Respawn)

	live := true
	for {
		if m.clock.Armed() && m.flags.Sigalrm() {
			m.flags.ClearSigalrm()
			d := m.clock.Double()
			m.armAlarm(d)
			m.sigio = 0
		}

		select {
		case <-m.flags.C():
		case <-ctx.Done():
			return ctx.Err()
		}

		if m.flags.Reap() {
			m.flags.ClearReap()
			live = m.reapChildren()
		}

		if !live && (m.flags.Terminate() || m.flags.Quit()) {
			m.masterExit()
			return nil
		}

		if m.flags.Terminate() {
			if !m.clock.Armed() {
				m.clock.Double()
				m.armAlarm(m.clock.Delay())
			}

			if m.sigio > 0 {
				m.sigio--
				continue
			}
			m.sigio = m.workerProcesses + 2

			if m.clock.Delay() > escalate.KillThreshold {
				m.signalWorkers(syscall.SIGKILL)
			} else {
				m.signalWorkers(m.sig.Terminate)
			}
			continue
		}

		if m.flags.Quit() {
			m.signalWorkers(m.sig.Shutdown)
			continue
		}

		if m.flags.Reconfigure() {
			m.flags.ClearReconfigure()
			logpkg.Info("reconfiguring")
			m.startWorkerProcesses(m.workerProcesses, table.JustRespawn)
			time.Sleep(100 * time.Millisecond)
			live = true
			m.signalWorkers(m.sig.Shutdown)
		}

		if m.flags.Restart() {
			m.flags.ClearRestart()
			m.startWorkerProcesses(m.workerProcesses, table.Respawn)
			live = true
		}

		if m.flags.Reopen() {
			m.flags.ClearReopen()
			logpkg.Info("reopening logs")
			m.signalWorkers(m.sig.Reopen)
		}

		if m.flags.Noaccept() {
			m.flags.ClearNoaccept()
			m.noaccepting = true
			m.signalWorkers(m.sig.Shutdown)
		}
	}
}

func (m *Master) armAlarm(d time.Duration) {
	logpkg.With(nil).Debugf("termination cycle: %s", d)
	time.AfterFunc(d, func() {
		m.flags.SetSigalrm()
	})
}

// startWorkerProcesses spawns n children and, for each, broadcasts an
// OPEN_CHANNEL record to every other currently-live sibling
// (SPEC_FULL.md §4.2). Each call is tagged with a fresh generation id.
func (m *Master) startWorkerProcesses(n int, kind table.RespawnKind) {
	gen := uuid.NewString()
	for i := 0; i < n; i++ {
		m.spawnInto(m.tbl.Alloc(), kind, gen)
	}
}

func (m *Master) spawnInto(slot int, kind table.RespawnKind, gen string) {
	pid, masterEnd, wait, err := m.spawner.Spawn(slot)
	if err != nil {
		logpkg.With(map[string]interface{}{"slot": slot, "generation": gen}).
			Errorf("could not spawn worker process: %v", err)
		m.tbl.Reap(slot)
		return
	}

	m.tbl.Commit(slot, table.Slot{
		Pid:       pid,
		Channel:   [2]int{int(masterEnd.Fd()), -1},
		Name:      "worker process",
		Respawn:   true,
		JustSpawn: kind == table.JustRespawn,
	})

	conn, err := net.FileConn(masterEnd)
	if err != nil {
		logpkg.Error("channel: FileConn: ", err)
		return
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		logpkg.Error("channel: not a unix conn")
		return
	}

	m.mu.Lock()
	m.conns[slot] = uconn
	m.mu.Unlock()

	logpkg.With(map[string]interface{}{
		"slot": slot, "pid": pid, "generation": gen,
	}).Info("spawned worker process")

	go m.watchChild(slot, wait)

	m.passOpenChannel(slot, pid, masterEnd)
}

func (m *Master) watchChild(slot int, wait func() error) {
	_ = wait()
	m.tbl.Mutate(slot, func(s *table.Slot) { s.Exited = true })
	m.flags.SetReap()
}

// passOpenChannel broadcasts slot's master-held fd to every other
// currently-live sibling (SPEC_FULL.md §4.2).
func (m *Master) passOpenChannel(slot, pid int, fd *os.File) {
	n := m.tbl.Len()
	for i := 0; i < n; i++ {
		if i == slot {
			continue
		}
		s, ok := m.tbl.Slot(i)
		if !ok || s.Pid == table.NoPID || s.Channel[0] == -1 {
			continue
		}

		m.mu.Lock()
		conn := m.conns[i]
		m.mu.Unlock()
		if conn == nil {
			continue
		}

		rec := channel.Record{Command: channel.OpenChannel, Pid: int32(pid), Slot: int32(slot), FD: int32(fd.Fd())}
		if err := channel.Write(conn, rec, int(fd.Fd())); err != nil {
			logpkg.Error("pass open channel: ", err)
			continue
		}
		m.emit(i, rec)
	}
}

// signalWorkers implements SPEC_FULL.md §4.3.
func (m *Master) signalWorkers(signo syscall.Signal) {
	cmd := m.commandFor(signo)

	n := m.tbl.Len()
	for i := 0; i < n; i++ {
		s, ok := m.tbl.Slot(i)
		if !ok || s.Detached || s.Pid == table.NoPID {
			continue
		}

		if s.JustSpawn {
			m.tbl.Mutate(i, func(s *table.Slot) { s.JustSpawn = false })
			continue
		}

		if s.Exiting && signo == m.sig.Shutdown {
			continue
		}

		if cmd != 0 {
			m.mu.Lock()
			conn := m.conns[i]
			m.mu.Unlock()

			if conn != nil {
				rec := channel.Record{Command: cmd, Pid: int32(s.Pid), Slot: int32(i), FD: -1}
				if err := channel.Write(conn, rec, -1); err == nil {
					if signo != m.sig.Reopen {
						m.tbl.Mutate(i, func(s *table.Slot) { s.Exiting = true })
					}
					m.emit(i, rec)
					continue
				}
			}
		}

		if err := signals.Kill(s.Pid, signo); err != nil {
			logpkg.With(map[string]interface{}{"slot": i, "pid": s.Pid}).Errorf("kill: %v", err)
			if signals.IsNoSuchProcess(err) {
				m.tbl.Mutate(i, func(s *table.Slot) {
					s.Exited = true
					s.Exiting = false
				})
				m.flags.SetReap()
			}
			continue
		}

		if signo != m.sig.Reopen {
			m.tbl.Mutate(i, func(s *table.Slot) { s.Exiting = true })
		}
	}
}

func (m *Master) commandFor(signo syscall.Signal) channel.Command {
	switch signo {
	case m.sig.Shutdown:
		return channel.Quit
	case m.sig.Terminate:
		return channel.Terminate
	case m.sig.Reopen:
		return channel.Reopen
	default:
		return 0
	}
}

// reapChildren implements SPEC_FULL.md §4.4.
func (m *Master) reapChildren() bool {
	live := false
	n := m.tbl.Len()
	for i := 0; i < n; i++ {
		s, ok := m.tbl.Slot(i)
		if !ok || s.Pid == table.NoPID {
			continue
		}

		if s.Exited {
			if !s.Detached {
				m.closeAndBroadcast(i, s)
			}

			if s.Respawn && !s.Exiting && !m.flags.Terminate() && !m.flags.Quit() {
				m.spawnInto(i, table.Respawn, uuid.NewString())
				live = true
				continue
			}

			m.tbl.Reap(i)
			continue
		}

		if s.Exiting || !s.Detached {
			live = true
		}
	}
	return live
}

func (m *Master) closeAndBroadcast(slot int, s table.Slot) {
	m.mu.Lock()
	conn := m.conns[slot]
	delete(m.conns, slot)
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	channel.Close(s.Channel)
	m.tbl.Mutate(slot, func(s *table.Slot) { s.Channel = [2]int{-1, -1} })

	n := m.tbl.Len()
	for i := 0; i < n; i++ {
		sib, ok := m.tbl.Slot(i)
		if !ok || sib.Exited || sib.Pid == table.NoPID || sib.Channel[0] == -1 {
			continue
		}

		m.mu.Lock()
		sc := m.conns[i]
		m.mu.Unlock()
		if sc == nil {
			continue
		}

		rec := channel.Record{Command: channel.CloseChannel, Pid: int32(s.Pid), Slot: int32(slot), FD: -1}
		if err := channel.Write(sc, rec, -1); err != nil {
			logpkg.Error("pass close channel: ", err)
			continue
		}
		m.emit(i, rec)
	}
}

func (m *Master) emit(slot int, rec channel.Record) {
	m.seq++
	m.mu.Lock()
	publish := m.publish
	m.mu.Unlock()
	publish(Event{Seq: m.seq, Slot: slot, Record: rec})
}

func (m *Master) masterExit() {
	logpkg.Info("master exit")
	if m.releaseLock != nil {
		if err := m.releaseLock(); err != nil {
			logpkg.Error("release pidfile lock: ", err)
		}
	}
	m.exit()
}
