package loyalty

import (
	"sync"
	"time"
)

// Clock supplies transaction and completion timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock returns UTC wall time that never goes backwards, so
// transaction timestamps are monotonic within a process.
type SystemClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *SystemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

// ManualClock is a Clock for tests. Each call to Now advances it by Step.
type ManualClock struct {
	mu   sync.Mutex
	t    time.Time
	Step time.Duration
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{t: start.UTC(), Step: time.Second}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.Step)
	return now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t.UTC()
}
