package lock

import "errors"

var (
	// ErrDestroyed is returned when locking a handle whose record was lost.
	// A destroyed handle never locks again; create a new one.
	ErrDestroyed = errors.New("lock destroyed")
	// ErrNotLocked is returned by WatchDestroy on a handle that holds nothing.
	ErrNotLocked = errors.New("lock not held")
	// ErrClosed is returned once the namespace or session has been closed.
	ErrClosed = errors.New("lock namespace closed")

	// the store acknowledged a put but the following range scan was empty
	ErrEmptyRange = errors.New("put succeeded but namespace range is empty")
	// the record is not the oldest but nothing older exists
	ErrNoPredecessor = errors.New("record is not the oldest but has no predecessor")

	// the handle's own record vanished and must be written again
	errRecordGone = errors.New("own record is gone")
)
