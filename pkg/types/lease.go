package types

import "time"

// a lease is a TTL-bound grant; every key attached to it is deleted
// when the lease expires or is revoked
type Lease struct {
	ID        int64
	TTL       time.Duration
	ExpiresAt time.Duration //monotonic time from store start
}

// checks if the lease has expired given the elapsed time since store start
func (l *Lease) IsExpired(elapsed time.Duration) bool {
	return elapsed >= l.ExpiresAt
}

// seconds left before expiry, never negative
func (l *Lease) Remaining(elapsed time.Duration) time.Duration {
	if elapsed >= l.ExpiresAt {
		return 0
	}
	return l.ExpiresAt - elapsed
}
