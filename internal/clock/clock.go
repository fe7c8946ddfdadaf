package clock

import "time"

// Clock abstracts wall-clock reads so time-dependent logic stays testable.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a hand-advanced clock for tests.
type ManualClock struct {
	Current time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{Current: start.UTC()}
}

func (c *ManualClock) Now() time.Time { return c.Current }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.Current = c.Current.Add(d) }
