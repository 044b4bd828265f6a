// Package system provides the wall clock and the monotonic sequence clock
// used to order queue entries.
package system

import (
	"sync"
	"time"
)

// Clock reads the wall clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// NanoClock hands out strictly increasing Unix nanosecond stamps. Two calls in
// the same process never return the same value even when the wall clock
// stalls or steps back.
type NanoClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewNanoClock returns a NanoClock reading time.Now.
func NewNanoClock() *NanoClock {
	return &NanoClock{now: time.Now}
}

// Next returns max(now, previous+1).
func (c *NanoClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now().UnixNano()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return n
}
