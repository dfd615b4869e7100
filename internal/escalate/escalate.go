// Package escalate formalizes the master loop's doubling termination
// delay (§4.1) as a cenkalti/backoff ExponentialBackOff sequence, so the
// 50ms-start/no-jitter/unbounded-doubling contract lives in one place
// instead of being reimplemented with bare multiplication at every call
// site.
package escalate

import (
	"time"

	"github.com/cenkalti/backoff"
)

// KillThreshold is the delay past which the master sends SIGKILL
// instead of the configured terminate signal (§4.1 step 5).
const KillThreshold = 1000 * time.Millisecond

// Clock produces the doubling delay sequence used while draining a
// generation: 50, 100, 200, 400, 800, 1600, ... ms, with no jitter (the
// spec requires exact doubling, not a randomized backoff).
type Clock struct {
	b       *backoff.ExponentialBackOff
	delay   time.Duration
	started bool
}

// NewClock returns a Clock at its initial (zero) state, starting the
// doubling sequence at 50ms: Delay() is 0 until the first call to
// Double, matching the master loop's delay==0 meaning "no escalation
// timer armed yet."
func NewClock() *Clock {
	return NewClockWithStart(50 * time.Millisecond)
}

// NewClockWithStart is NewClock with a configurable initial interval,
// for deployments that want a different drain pace than the spec's
// 50ms default (internal/config's escalate_start); the doubling shape
// and the KillThreshold comparison are unaffected either way.
func NewClockWithStart(start time.Duration) *Clock {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = start
	b.Multiplier = 2
	b.RandomizationFactor = 0
	// MaxInterval of 0 would clamp every interval after the first
	// increment to 0, not leave it unbounded. A delay this large is
	// already far past KillThreshold, which is the comparison that
	// actually matters to the master loop.
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	// NewExponentialBackOff already reset the current interval to the
	// library default; reset again so the sequence starts at start.
	b.Reset()
	return &Clock{b: b}
}

// Delay returns the current delay without advancing the sequence.
func (c *Clock) Delay() time.Duration {
	return c.delay
}

// Armed reports whether Double has been called at least once.
func (c *Clock) Armed() bool {
	return c.started
}

// Double advances the sequence and returns the new delay, mirroring
// "delay == 0 ? delay = 50 : delay *= 2" in the original master loop.
func (c *Clock) Double() time.Duration {
	c.started = true
	c.delay = c.b.NextBackOff()
	return c.delay
}

// Reset returns the clock to its unarmed state, used when a fresh
// drain begins.
func (c *Clock) Reset() {
	c.started = false
	c.delay = 0
	c.b.Reset()
}
