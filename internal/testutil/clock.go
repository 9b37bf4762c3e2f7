package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant a Clock created with NewClock reports.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Clock provides a thread-safe, strictly increasing time source for tests.
//
// Each call to Now advances the clock by one second, so consecutive ledger
// timestamps differ and golden output is reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	ticks int64
}

// NewClock creates a clock whose first Now() returns Epoch.
func NewClock() *Clock {
	return &Clock{start: Epoch}
}

// NewClockAt creates a clock whose first Now() returns start.
func NewClockAt(start time.Time) *Clock {
	return &Clock{start: start}
}

// Now returns the current instant and advances the clock by one second.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.start.Add(time.Duration(c.ticks) * time.Second)
	c.ticks++
	return now
}

// Ticks returns how many times Now has been called.
func (c *Clock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset rewinds the clock so the next Now() returns the start instant again.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
