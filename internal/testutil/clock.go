package testutil

import (
	"sync"
	"time"
)

// Epoch is the default starting instant of a ManualClock.
var Epoch = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

// ManualClock is a deterministic clock for tests.
//
// Every Now() reading advances the clock by a fixed step, so two readings
// never tie and timestamps written to the store are reproducible across
// runs. Advance moves the clock forward explicitly, for timeout and expiry
// tests.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManualClock creates a clock at Epoch that steps one millisecond per read.
func NewManualClock() *ManualClock {
	return &ManualClock{now: Epoch, step: time.Millisecond}
}

// NewManualClockAt creates a clock at start with the given per-read step.
// A zero step makes the clock stand still between Advance calls.
func NewManualClockAt(start time.Time, step time.Duration) *ManualClock {
	return &ManualClock{now: start, step: step}
}

// Now returns the current reading and then steps the clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Current returns the next reading without stepping.
func (c *ManualClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
