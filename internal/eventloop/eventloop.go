// Package eventloop is a minimal stand-in for the worker's per-process
// I/O event loop, which §1 treats as an opaque external collaborator:
// "accepts a registered readable fd callback." This implementation
// polls registered file descriptors with golang.org/x/sys/unix.Poll and
// invokes each fd's callback with read+persist semantics (the callback
// is invoked every time its fd becomes readable, not just once),
// mirroring the libevent EV_READ|EV_PERSIST registration the original
// channel handler uses.
package eventloop

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Callback is invoked when its fd becomes readable.
type Callback func()

// Loop is a readiness loop over a small set of registered fds.
type Loop struct {
	mu        sync.Mutex
	callbacks map[int]Callback
	stop      chan struct{}
}

// New returns an empty event loop.
func New() *Loop {
	return &Loop{
		callbacks: make(map[int]Callback),
		stop:      make(chan struct{}),
	}
}

// AddReader registers cb to run whenever fd is readable.
func (l *Loop) AddReader(fd int, cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks[fd] = cb
}

// RemoveReader unregisters fd, used by the channel handler on a read
// error (§4.6): "close the fd, unregister the watch, and return."
func (l *Loop) RemoveReader(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.callbacks, fd)
}

// Empty reports whether no fds remain registered, the condition under
// which Run may return on its own (§4.5: "it returns on its own
// conditions, typically when all watches disarm").
func (l *Loop) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callbacks) == 0
}

// Run polls registered fds until Empty() or Stop is called, returning
// to the caller so the worker run loop (§4.5) can re-check its
// lifecycle flags between iterations.
func (l *Loop) Run() {
	const pollTimeout = 200 // ms; bounds how promptly lifecycle flags are re-checked

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		fds := l.pollSet()
		if len(fds) == 0 {
			return
		}

		n, err := unix.Poll(fds, pollTimeout)
		if err != nil || n == 0 {
			continue
		}

		for _, pfd := range fds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			l.mu.Lock()
			cb := l.callbacks[int(pfd.Fd)]
			l.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}

func (l *Loop) pollSet() []unix.PollFd {
	l.mu.Lock()
	defer l.mu.Unlock()
	fds := make([]unix.PollFd, 0, len(l.callbacks))
	for fd := range l.callbacks {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return fds
}

// Stop breaks Run out of its poll loop, used by worker_exit and tests.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}
