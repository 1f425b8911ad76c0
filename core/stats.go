package core

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks both the currently-open and lifetime-total relay counts
// for a hub, and backs the SIGUSR2 snapshot.
type ConnStats struct {
	count int32
	open  int32
}

// New records a newly constructed relay and returns its ordinal.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open records that a relay has started pumping (Relay.Start).
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close records that a relay has reached the Closed state.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// OpenCount returns the number of currently open relays.
func (c *ConnStats) OpenCount() int32 {
	return atomic.LoadInt32(&c.open)
}

// TotalCount returns the lifetime count of relays created.
func (c *ConnStats) TotalCount() int32 {
	return atomic.LoadInt32(&c.count)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.OpenCount(), c.TotalCount())
}
