package kv

import (
	"context"
	"errors"

	"github.com/pixperk/fairlock/pkg/types"
)

// ErrUnavailable wraps transport failures reaching the store.
var ErrUnavailable = errors.New("kv: store unavailable")

// IsRetryable reports whether err is transient: the same request may succeed
// once the store or the network recovers.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, types.ErrNotLeader),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}
