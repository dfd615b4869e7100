// Package signals implements the master's async-signal-safe flag bits
// and the OS signal intake that sets them, standing in for the
// sig_atomic_t globals and sigprocmask/sigsuspend discipline of the
// original C core. Signal handlers in Go cannot run arbitrary code
// safely either, so the same discipline applies: the goroutine reading
// from os/signal's channel does nothing but flip a flag and loop.
package signals

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Flags holds the global one-bit supervision flags, each set by the
// intake goroutine and cleared by the master loop. C() exposes a wake
// channel notified on every Set* call, standing in for the race-free
// delivery sigsuspend(2) gives the original after an atomic unblock.
type Flags struct {
	reap        atomic.Bool
	sigalrm     atomic.Bool
	terminate   atomic.Bool
	quit        atomic.Bool
	reconfigure atomic.Bool
	reopen      atomic.Bool
	noaccept    atomic.Bool
	restart     atomic.Bool

	notify chan struct{}
}

// NewFlags returns a ready-to-use Flags.
func NewFlags() *Flags {
	return &Flags{notify: make(chan struct{}, 1)}
}

// C returns the wake channel: receivable once after any Set* call.
func (f *Flags) C() <-chan struct{} { return f.notify }

func (f *Flags) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Flags) Reap() bool    { return f.reap.Load() }
func (f *Flags) ClearReap()    { f.reap.Store(false) }
func (f *Flags) SetReap()      { f.reap.Store(true); f.wake() }
func (f *Flags) Sigalrm() bool { return f.sigalrm.Load() }
func (f *Flags) ClearSigalrm() { f.sigalrm.Store(false) }
func (f *Flags) SetSigalrm()   { f.sigalrm.Store(true); f.wake() }
func (f *Flags) Terminate() bool   { return f.terminate.Load() }
func (f *Flags) SetTerminate()     { f.terminate.Store(true); f.wake() }
func (f *Flags) Quit() bool        { return f.quit.Load() }
func (f *Flags) SetQuit()          { f.quit.Store(true); f.wake() }
func (f *Flags) Reconfigure() bool { return f.reconfigure.Load() }
func (f *Flags) ClearReconfigure() { f.reconfigure.Store(false) }
func (f *Flags) SetReconfigure()   { f.reconfigure.Store(true); f.wake() }
func (f *Flags) Reopen() bool      { return f.reopen.Load() }
func (f *Flags) ClearReopen()      { f.reopen.Store(false) }
func (f *Flags) SetReopen()        { f.reopen.Store(true); f.wake() }
func (f *Flags) Noaccept() bool    { return f.noaccept.Load() }
func (f *Flags) ClearNoaccept()    { f.noaccept.Store(false) }
func (f *Flags) SetNoaccept()      { f.noaccept.Store(true); f.wake() }
func (f *Flags) Restart() bool     { return f.restart.Load() }
func (f *Flags) ClearRestart()     { f.restart.Store(false) }
func (f *Flags) SetRestart()       { f.restart.Store(true); f.wake() }

// Set is the master's supervision signal set, named the way §6 of the
// spec names them. RECONFIGURE/REOPEN/NOACCEPT/TERMINATE/SHUTDOWN are
// platform-configurable in the original; this core fixes them to
// SIGHUP, SIGUSR1, SIGWINCH, SIGQUIT and SIGTERM respectively, a
// common nginx-derived convention. CHANGEBIN is accepted (so it cannot
// kill the process by default disposition) but otherwise unused, as
// the spec reserves it.
type Set struct {
	Child       syscall.Signal
	Alrm        syscall.Signal
	Int         syscall.Signal
	Reconfigure syscall.Signal
	Reopen      syscall.Signal
	Noaccept    syscall.Signal
	Terminate   syscall.Signal
	Shutdown    syscall.Signal
	Changebin   syscall.Signal
}

// Default returns the conventional master signal set.
func Default() Set {
	return Set{
		Child:       syscall.SIGCHLD,
		Alrm:        syscall.SIGALRM,
		Int:         syscall.SIGINT,
		Reconfigure: syscall.SIGHUP,
		Reopen:      syscall.SIGUSR1,
		Noaccept:    syscall.SIGWINCH,
		Terminate:   syscall.SIGQUIT,
		Shutdown:    syscall.SIGTERM,
		Changebin:   syscall.SIGUSR2,
	}
}

// Intake blocks the master signal set for the life of the process and
// starts the goroutine that turns delivered signals into Flags writes.
// The returned stop function unblocks and stops the goroutine; used by
// tests and deferred by cmd/fleetd around the master loop.
func Intake(flags *Flags, set Set) (stop func()) {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch,
		set.Child, set.Alrm, set.Int, set.Reconfigure,
		set.Reopen, set.Noaccept, set.Terminate, set.Shutdown,
		set.Changebin,
	)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				apply(flags, set, sig.(syscall.Signal))
			case <-done:
				signal.Stop(ch)
				return
			}
		}
	}()

	return func() { close(done) }
}

func apply(flags *Flags, set Set, sig syscall.Signal) {
	switch sig {
	case set.Child:
		flags.SetReap()
	case set.Alrm:
		flags.SetSigalrm()
	case set.Int, set.Terminate:
		flags.SetTerminate()
	case set.Reconfigure:
		flags.SetReconfigure()
	case set.Reopen:
		flags.SetReopen()
	case set.Noaccept:
		flags.SetNoaccept()
	case set.Shutdown:
		flags.SetQuit()
	}
}

// Kill sends sig to pid, following the same ESRCH convention as
// §4.3: the error is still returned for the caller to classify with
// IsNoSuchProcess.
func Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// IsNoSuchProcess reports whether err is ESRCH, the race described in
// §4.3 and §8 scenario 6 where signal delivery finds the child already
// dead.
func IsNoSuchProcess(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
