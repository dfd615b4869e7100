// Package lock enforces the "at most one master" invariant
// (SPEC_FULL.md §4.8) with an advisory file lock, the same primitive
// Talismancer-gvisor-ligolo's sandbox carries in its dependency set.
package lock

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// Lock holds an acquired single-master lock for the lifetime of the
// process.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Acquire takes an exclusive, non-blocking lock on path (conventionally
// the master's pidfile). ErrLocked is returned if another master
// already holds it.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock: %s: %w", path, ErrLocked)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("lock: write pidfile %s: %w", path, err)
	}

	return &Lock{fl: fl, path: path}, nil
}

// ErrLocked is returned by Acquire when another process already holds
// the lock.
var ErrLocked = fmt.Errorf("another master process is already running")

// Release drops the lock and removes the pidfile, per SPEC_FULL.md
// §4.8: the pidfile must not outlive the master that wrote it, or a
// restarted fleetctl reading it would signal a stale pid.
func (l *Lock) Release() error {
	unlockErr := l.fl.Unlock()
	removeErr := os.Remove(l.path)
	if removeErr != nil && !os.IsNotExist(removeErr) {
		if unlockErr != nil {
			return fmt.Errorf("lock: unlock: %w; remove pidfile %s: %v", unlockErr, l.path, removeErr)
		}
		return fmt.Errorf("lock: remove pidfile %s: %w", l.path, removeErr)
	}
	return unlockErr
}
