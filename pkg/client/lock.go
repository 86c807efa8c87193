package client

import (
	"context"
	"errors"
	"sync"

	"github.com/pixperk/fairlock/pkg/lock"
)

// Locker runs functions under fair locks, one session for all resources.
type Locker struct {
	session *lock.Session
	nsOpts  []lock.NamespaceOption

	mu         sync.Mutex
	namespaces map[string]*lock.Namespace
	closed     bool
}

// NewLocker opens a lease session on the client.
func (c *Client) NewLocker(sessionOpts []lock.SessionOption, nsOpts ...lock.NamespaceOption) *Locker {
	return &Locker{
		session:    lock.NewSession(c, sessionOpts...),
		nsOpts:     nsOpts,
		namespaces: make(map[string]*lock.Namespace),
	}
}

func (l *Locker) Session() *lock.Session {
	return l.session
}

// namespace for resource, created on first use
func (l *Locker) Namespace(resource string) (*lock.Namespace, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, lock.ErrClosed
	}
	if ns, ok := l.namespaces[resource]; ok {
		return ns, nil
	}
	ns, err := lock.NewNamespace(l.session, resource, l.nsOpts...)
	if err != nil {
		return nil, err
	}
	l.namespaces[resource] = ns
	return ns, nil
}

// Do waits for the lock on resource and runs fn while holding it.
// fn's context is cancelled with lock.ErrDestroyed if the lock is lost.
func (l *Locker) Do(ctx context.Context, resource string, value []byte, fn func(ctx context.Context) error) error {
	ns, err := l.Namespace(resource)
	if err != nil {
		return err
	}
	lk, err := ns.NewLock(ctx, value)
	if err != nil {
		return err
	}
	if err := lk.Lock(ctx); err != nil {
		return err
	}

	destroyed, err := lk.WatchDestroy()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-destroyed:
			cancel(lock.ErrDestroyed)
		case <-runCtx.Done():
		}
	}()

	fnErr := fn(runCtx)
	if lk.Destroyed() {
		return errors.Join(fnErr, lock.ErrDestroyed)
	}
	return errors.Join(fnErr, lk.Unlock(context.WithoutCancel(ctx)))
}

// Close closes every namespace, then the session, revoking its lease.
func (l *Locker) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	namespaces := l.namespaces
	l.namespaces = nil
	l.mu.Unlock()

	var errs []error
	for _, ns := range namespaces {
		if err := ns.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.session.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
