package types

import "errors"

var (
	// Lease errors
	ErrLeaseNotFound   = errors.New("lease not found")
	ErrLeaseExpired    = errors.New("lease has expired")
	ErrInvalidLeaseTTL = errors.New("invalid lease TTL")

	// KV errors
	ErrKeyRequired = errors.New("key is required")
	ErrCompacted   = errors.New("requested revision has been compacted")

	// Cluster errors
	ErrNotLeader = errors.New("node is not the leader")
)
