// Package clock provides the server timestamps stamped on cache rows, task
// sessions and handle activity.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current server time.
type Clock interface {
	Now() time.Time
}

// Monotonic is a wall clock whose readings are strictly increasing at
// microsecond resolution, the resolution timestamps are persisted at.
//
// Two edits of the same page stamped by the same process therefore never
// tie, which keeps last-writer-wins reconciliation deterministic.
//
// Thread-safety: Monotonic is safe for concurrent use (atomic CAS).
type Monotonic struct {
	last atomic.Int64 // unix microseconds of the last reading
	now  func() time.Time
}

// NewMonotonic creates a clock backed by time.Now.
func NewMonotonic() *Monotonic {
	return &Monotonic{now: time.Now}
}

// NewMonotonicFrom creates a clock backed by an arbitrary time source.
// Used by tests to pin the wall clock while keeping strict ordering.
func NewMonotonicFrom(now func() time.Time) *Monotonic {
	return &Monotonic{now: now}
}

// Now returns a reading strictly greater than every previous reading.
func (c *Monotonic) Now() time.Time {
	for {
		prev := c.last.Load()
		next := c.now().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return time.UnixMicro(next)
		}
	}
}

// System is a plain time.Now clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }
