package lock

import (
	"sync/atomic"
	"time"
)

// SessionStats is a read-only snapshot of session statistics.
type SessionStats struct {
	Lease         int64 // current lease id, zero before the first grant
	Grants        int64 // successful grants
	GrantFailures int64 // failed grant attempts
	Renewals      int64 // successful renewals
	RenewFailures int64 // failed renewals
}

type sessionStats struct {
	grants        atomic.Int64
	grantFailures atomic.Int64
	renewals      atomic.Int64
	renewFailures atomic.Int64
}

func (c *sessionStats) snapshot(lease int64) SessionStats {
	return SessionStats{
		Lease:         lease,
		Grants:        c.grants.Load(),
		GrantFailures: c.grantFailures.Load(),
		Renewals:      c.renewals.Load(),
		RenewFailures: c.renewFailures.Load(),
	}
}

// Stats is a read-only snapshot of the lock statistics of a namespace.
// The returned struct is a copy and safe to use without synchronization.
type Stats struct {
	Acquired          int64         // successful acquisitions (reentry not counted)
	Busy              int64         // try attempts that found the lock held
	Released          int64         // full releases
	Destroyed         int64         // held locks lost to a deleted record
	Held              int           // handles holding the lock right now
	TotalHoldDuration time.Duration // cumulative hold time of finished holds
}

type stats struct {
	acquired          atomic.Int64
	busy              atomic.Int64
	released          atomic.Int64
	destroyed         atomic.Int64
	totalHoldDuration atomic.Int64 // nanoseconds
}

func (c *stats) snapshot(held int) Stats {
	return Stats{
		Acquired:          c.acquired.Load(),
		Busy:              c.busy.Load(),
		Released:          c.released.Load(),
		Destroyed:         c.destroyed.Load(),
		Held:              held,
		TotalHoldDuration: time.Duration(c.totalHoldDuration.Load()),
	}
}

func (c *stats) held(since time.Time) {
	c.totalHoldDuration.Add(int64(time.Since(since)))
}
