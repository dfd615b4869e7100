// Package worker implements the supervised child side of the
// supervision core: init (adopting the inherited process table and
// this process's own channel endpoint), plugin configuration, the run
// loop, and the channel handler that turns control records into the
// same lifecycle flags a direct OS signal would set (SPEC_FULL.md
// §4.5-§4.6).
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/mohae/deepcopy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sysfleet/fleetd/internal/channel"
	"github.com/sysfleet/fleetd/internal/eventloop"
	logpkg "github.com/sysfleet/fleetd/internal/log"
	"github.com/sysfleet/fleetd/internal/plugin"
	"github.com/sysfleet/fleetd/internal/signals"
	"github.com/sysfleet/fleetd/internal/table"
)

// channelFD is the well-known descriptor a re-executed worker finds its
// channel endpoint on: stdin/stdout/stderr occupy 0-2, and
// internal/spawn.Start passes exactly one ExtraFiles entry.
const channelFD = 3

// Config configures a Worker.
type Config struct {
	Slot int
	// Inherited is the process table snapshot the worker starts from;
	// the worker deep-copies it into its own independent table. The
	// master does not hand a snapshot to re-executed workers
	// (cmd/fleetd leaves this nil), so such a worker starts with an
	// empty table and learns of siblings only from OPEN_CHANNEL records.
	Inherited []table.Slot
	Registry  *plugin.Registry
	// Affinity lists the logical CPUs this worker should be pinned to.
	// Empty means no affinity is set.
	Affinity []int
	Signals  signals.Set
	// Exit is called by workerExit once the event loop has drained.
	// Defaults to os.Exit(0).
	Exit func()
}

// Worker owns one supervised child's local state: its copy of the
// process table, its channel endpoint, and the event loop watching it.
type Worker struct {
	slot     int
	tbl      *table.Table
	conn     *net.UnixConn
	fd       int
	registry *plugin.Registry
	loop     *eventloop.Loop
	sig      signals.Set
	exit     func()

	quit      atomic.Bool
	terminate atomic.Bool
	exiting   atomic.Bool

	notify     chan struct{}
	stopIntake func()
}

func (w *Worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// New adopts channelFD as this worker's channel endpoint, deep-copies
// the inherited table, applies CPU affinity, and registers the channel
// read callback. It does not start the event loop or configure
// plugins; call Run for that.
func New(cfg Config) (*Worker, error) {
	f := os.NewFile(uintptr(channelFD), "channel-worker")
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("worker: adopt channel fd: %w", err)
	}
	conn, ok := c.(*net.UnixConn)
	if !ok {
		return nil, errors.New("worker: channel fd is not a unix conn")
	}
	return newWorker(channelFD, conn, cfg)
}

// newWorker builds a Worker around an already-adopted channel
// connection on fd. Split out of New so tests can supply a fake
// channel endpoint instead of depending on the real fd 3 convention.
func newWorker(fd int, conn *net.UnixConn, cfg Config) (*Worker, error) {
	copied := deepcopy.Copy(cfg.Inherited).([]table.Slot)

	w := &Worker{
		slot:     cfg.Slot,
		tbl:      table.FromSlots(copied),
		conn:     conn,
		fd:       fd,
		registry: cfg.Registry,
		loop:     eventloop.New(),
		sig:      cfg.Signals,
		exit:     cfg.Exit,
		notify:   make(chan struct{}, 1),
	}
	if w.exit == nil {
		w.exit = func() { os.Exit(0) }
	}
	if w.registry == nil {
		w.registry = plugin.NewRegistry()
	}

	applyAffinity(cfg.Affinity)

	w.loop.AddReader(fd, w.handleChannel)
	go w.loop.Run()
	w.stopIntake = w.installSignalHandlers()

	return w, nil
}

// Table returns the worker's local copy of the process table.
func (w *Worker) Table() *table.Table { return w.tbl }

// installSignalHandlers covers the fallback path in SPEC_FULL.md §4.3:
// when the master's channel write fails it falls back to a raw
// syscall.Kill, so a worker must react to the same signals its channel
// commands already map to (Quit/Terminate/Reopen), not just the
// records it reads off the channel.
func (w *Worker) installSignalHandlers() func() {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, w.sig.Shutdown, w.sig.Terminate, w.sig.Reopen)

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				switch sig.(syscall.Signal) {
				case w.sig.Shutdown:
					w.quit.Store(true)
					w.wake()
				case w.sig.Terminate:
					w.terminate.Store(true)
					w.wake()
				case w.sig.Reopen:
					logpkg.Info("reopening logs")
				}
			case <-done:
				signal.Stop(ch)
				return
			}
		}
	}()
	return stop
}

// applyAffinity pins the calling OS thread to cpus. It is a
// best-effort step taken early, before the Go runtime has spawned the
// rest of GOMAXPROCS's worker threads, matching how the original sets
// affinity once at worker init rather than process-wide at every
// syscall.
func applyAffinity(cpus []int) {
	if len(cpus) == 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logpkg.Error("cpu affinity: ", err)
	}
}

// Configure applies every registered plugin's configuration
// concurrently. A plugin's failure is logged, not fatal: one
// misconfigured module does not stop the worker from serving the rest
// (SPEC_FULL.md §4.5).
func (w *Worker) Configure(ctx context.Context) {
	var mu sync.Mutex
	var failures []error

	var g errgroup.Group
	for _, reg := range w.registry.All() {
		reg := reg
		g.Go(func() error {
			if err := reg.Plugin.ApplyConfig(ctx, reg.Config); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", reg.Plugin.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range failures {
		logpkg.Error("plugin configure: ", err)
	}
}

// Run drives the worker lifecycle: exiting -> workerExit, terminate ->
// immediate exit, quit -> one-time transition into exiting (graceful
// drain), reopen -> just a log line, matching the channel handler's
// one-shot commands (SPEC_FULL.md §4.5-§4.6).
func (w *Worker) Run(ctx context.Context) error {
	for {
		if w.exiting.Load() {
			w.workerExit()
			return nil
		}

		select {
		case <-ctx.Done():
			w.loop.Stop()
			return ctx.Err()
		case <-w.notify:
		}

		if w.terminate.Load() {
			w.loop.Stop()
			w.workerExit()
			return nil
		}

		if w.quit.Load() {
			w.quit.Store(false)
			w.exiting.Store(true)
			logpkg.With(map[string]interface{}{"slot": w.slot}).
				Info("gracefully shutting down")
		}
	}
}

func (w *Worker) workerExit() {
	w.loop.Stop()
	if w.stopIntake != nil {
		w.stopIntake()
	}
	_ = w.conn.Close()
	logpkg.With(map[string]interface{}{"slot": w.slot}).Info("worker exit")
	w.exit()
}

// handleChannel drains every record currently pending on the channel
// fd, dispatching each in turn. A read error other than would-block
// sets terminate, closes the fd, and unregisters the watch, mirroring
// §4.6's read-error path exactly.
func (w *Worker) handleChannel() {
	for {
		rec, fd, err := channel.Read(w.conn)
		if err != nil {
			if errors.Is(err, channel.ErrWouldBlock) {
				return
			}
			logpkg.Error("channel: read: ", err)
			w.terminate.Store(true)
			w.loop.RemoveReader(w.fd)
			_ = w.conn.Close()
			w.wake()
			return
		}
		w.dispatch(rec, fd)
	}
}

func (w *Worker) dispatch(rec channel.Record, fd *os.File) {
	switch rec.Command {
	case channel.OpenChannel:
		slot := int(rec.Slot)
		raw := -1
		if fd != nil {
			raw = int(fd.Fd())
		}
		w.tbl.MutateOrPut(slot, func(s *table.Slot) {
			s.Pid = int(rec.Pid)
			s.Channel[0] = raw
		})
		logpkg.With(map[string]interface{}{"slot": slot, "pid": rec.Pid}).
			Debug("adopted sibling channel")

	case channel.CloseChannel:
		slot := int(rec.Slot)
		w.tbl.Mutate(slot, func(s *table.Slot) {
			if s.Channel[0] != -1 {
				channel.Close([2]int{s.Channel[0], -1})
			}
			s.Channel[0] = -1
		})

	case channel.Quit:
		w.quit.Store(true)
		w.wake()

	case channel.Terminate:
		w.terminate.Store(true)
		w.wake()

	case channel.Reopen:
		logpkg.Info("reopening logs")
	}
}
