package nn

import (
	"sync/atomic"
	"time"
)

// Clock is the monotonic time source used for spike timestamps and delayed
// signal delivery. Now reports elapsed simulation time.
type Clock interface {
	Now() time.Duration
}

// MonotonicClock reports wall time elapsed since construction using the
// runtime's monotonic reading.
type MonotonicClock struct {
	start time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Now() time.Duration {
	return time.Since(c.start)
}

// ManualClock only moves when told to. Simulations that want tick-locked
// delays and tests use it.
type ManualClock struct {
	now atomic.Int64
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) Now() time.Duration {
	return time.Duration(c.now.Load())
}

// Advance moves the clock forward by d. Negative values are ignored.
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.now.Add(int64(d))
}

// AdvanceMillis is Advance for fractional milliseconds, the unit of
// simulation delta time.
func (c *ManualClock) AdvanceMillis(ms float64) {
	c.Advance(fromMillis(ms))
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
