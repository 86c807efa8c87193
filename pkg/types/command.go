package types

import "time"

// type of FSM command
type CommandType uint

const (
	CommandTypePut CommandType = iota + 1
	CommandTypeDeleteRange
	CommandTypeGrantLease
	CommandTypeRenewLease
	CommandTypeRevokeLease
	CommandTypeExpireLease
)

func (t CommandType) String() string {
	switch t {
	case CommandTypePut:
		return "put"
	case CommandTypeDeleteRange:
		return "delete_range"
	case CommandTypeGrantLease:
		return "grant_lease"
	case CommandTypeRenewLease:
		return "renew_lease"
	case CommandTypeRevokeLease:
		return "revoke_lease"
	case CommandTypeExpireLease:
		return "expire_lease"
	default:
		return "unknown"
	}
}

// interface all FSM commands implement
type Command interface {
	Type() CommandType
}

// writes a key, optionally attached to a lease
// IgnoreValue keeps the stored value of an existing key
type PutCmd struct {
	Key         string
	Value       []byte
	Lease       int64
	IgnoreValue bool
}

func (c PutCmd) Type() CommandType { return CommandTypePut }

// deletes Key, or every key in [Key, RangeEnd) when RangeEnd is set
type DeleteRangeCmd struct {
	Key      string
	RangeEnd string
}

func (c DeleteRangeCmd) Type() CommandType { return CommandTypeDeleteRange }

// grants a lease; ID 0 lets the store pick one
type GrantLeaseCmd struct {
	ID  int64
	TTL time.Duration
}

func (c GrantLeaseCmd) Type() CommandType { return CommandTypeGrantLease }

// renews an existing lease
type RenewLeaseCmd struct {
	ID int64
}

func (c RenewLeaseCmd) Type() CommandType { return CommandTypeRenewLease }

// revokes a lease on request of its owner
type RevokeLeaseCmd struct {
	ID int64
}

func (c RevokeLeaseCmd) Type() CommandType { return CommandTypeRevokeLease }

// expires a lease and deletes all its keys (internal, proposed by the leader)
type ExpireLeaseCmd struct {
	ID int64
}

func (c ExpireLeaseCmd) Type() CommandType { return CommandTypeExpireLease }
