package time

import (
	"sync"
	"time"
)

// Clock reports monotonic time since the store started.
// Lease deadlines are stored as offsets on this clock so that wall clock
// jumps never expire or resurrect a lease.
type Clock interface {
	Elapsed() time.Duration
}

// system clock backed by time.Since, which reads the monotonic clock
type systemClock struct {
	startTime time.Time
}

func NewClock() Clock {
	return &systemClock{
		startTime: time.Now(),
	}
}

func (c *systemClock) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// returns the expiration offset for a TTL on the given clock
func ExpiresAt(c Clock, ttl time.Duration) time.Duration {
	return c.Elapsed() + ttl
}

// ManualClock only moves when told to. Tests use it to expire leases
// without sleeping.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}
