// Package spawn implements the process-spawn primitive the core treats
// as an external collaborator in C ("forks, sets up a socket pair, and
// returns a slot index"). Go has no fork(); this implementation
// re-executes the current binary as a worker subprocess, handing the
// child's channel endpoint down via ExtraFiles, which is the idiomatic
// Go analogue msantos-goreap itself uses for its supervised subprocess
// (os/exec.Command with a SysProcAttr) rather than syscall.ForkExec.
package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/sysfleet/fleetd/internal/channel"
)

// WorkerEnv is the environment variable fleetd sets to tell a
// re-executed child which slot/worker index it is; cmd/fleetd checks
// for it at startup to decide whether to run the master or worker
// cycle.
const WorkerEnv = "FLEETD_WORKER_SLOT"

// Spawned describes a freshly started child, enough for the caller to
// install it into the table.
type Spawned struct {
	Pid int
	// MasterEnd is the master-held channel endpoint (Slot.Channel[0]).
	MasterEnd *os.File

	cmd *exec.Cmd
}

// Start spawns a new worker subprocess for slot, wiring its channel
// endpoint via ExtraFiles so the child can recover it as fd 3.
func Start(slot int) (*Spawned, error) {
	masterEnd, childEnd, err := channel.NewPair()
	if err != nil {
		return nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		masterEnd.Close()
		childEnd.Close()
		return nil, fmt.Errorf("spawn: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", WorkerEnv, slot))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		masterEnd.Close()
		childEnd.Close()
		return nil, fmt.Errorf("spawn: start: %w", err)
	}

	// The child has its own copy of childEnd via ExtraFiles; this
	// process's handle can be closed once the child has inherited it.
	childEnd.Close()

	return &Spawned{Pid: cmd.Process.Pid, MasterEnd: masterEnd, cmd: cmd}, nil
}

// Wait blocks until the spawned child exits. Callers supervising many
// children run this in its own goroutine per child and feed the result
// into the reap path via a signal/flag, not by blocking the master
// loop.
func (s *Spawned) Wait() error {
	return s.cmd.Wait()
}

// Release detaches the *exec.Cmd's internal process handle bookkeeping
// without waiting, for a Detached slot the master does not supervise.
func (s *Spawned) Release() error {
	return s.cmd.Process.Release()
}

// OSSpawner is the real process-spawn primitive, implementing
// internal/master's Spawner interface by re-executing the current
// binary per Start.
type OSSpawner struct{}

// Spawn starts a worker subprocess for slot.
func (OSSpawner) Spawn(slot int) (pid int, masterEnd *os.File, wait func() error, err error) {
	sp, err := Start(slot)
	if err != nil {
		return 0, nil, nil, err
	}
	return sp.Pid, sp.MasterEnd, sp.Wait, nil
}
