// Package lock implements a fair, reentrant distributed lock on top of a
// revisioned key-value store with leases and watches (see package kv).
//
// A Session owns one lease and keeps it alive. A Namespace scopes a resource
// name to a key range. Every Lock handle writes one record under
//
//	{resource}|0|{lease}|0|{contender}
//
// and the record with the smallest modification revision holds the lock.
// Waiters watch only their immediate predecessor, so contenders acquire in
// write order and a release wakes exactly one of them.
//
// Basic usage:
//
//	session := lock.NewSession(client, lock.WithTTL(10*time.Second))
//	defer session.Close(ctx)
//
//	ns, err := lock.NewNamespace(session, "orders")
//	if err != nil {
//		return err
//	}
//	defer ns.Close(ctx)
//
//	l, err := ns.NewLock(ctx, []byte("worker-1"))
//	if err != nil {
//		return err
//	}
//	if err := l.Lock(ctx); err != nil {
//		return err
//	}
//	defer l.Unlock(ctx)
//
// When the lease expires while a lock is held, the store deletes the record,
// the handle observes the delete and is destroyed: the channel returned by
// WatchDestroy is closed and further Lock calls fail with ErrDestroyed.
package lock
