package lock

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/pixperk/fairlock/pkg/kv"
)

const (
	DefaultTTL                = 10 * time.Second
	DefaultGrantRetryInterval = time.Second
	DefaultRetryDelay         = 100 * time.Millisecond
	DefaultRequestTimeout     = 5 * time.Second

	minRenewInterval = time.Second
)

type SessionOption func(*Session)

// lease time to live, rounded up to whole seconds
func WithTTL(ttl time.Duration) SessionOption {
	return func(s *Session) { s.ttl = ttl }
}

// pause between failed attempts of the very first grant
func WithGrantRetryInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.grantRetry = d }
}

// overrides the renewal schedule, which defaults to max(ttl/3, 1s)
func WithRenewInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.renewEvery = d }
}

// replaces the request decoration applied before every grant; nil sends
// grant requests unchanged
func WithGrantDecorator(d kv.GrantDecorator) SessionOption {
	return func(s *Session) { s.decorate = d }
}

func WithSessionLogger(l logr.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

type NamespaceOption func(*Namespace)

func WithLogger(l logr.Logger) NamespaceOption {
	return func(n *Namespace) { n.log = l }
}

// pause before retrying after a store error while acquiring
func WithRetryDelay(d time.Duration) NamespaceOption {
	return func(n *Namespace) { n.retryDelay = d }
}

// bound on cleanup requests that run without a caller context
func WithRequestTimeout(d time.Duration) NamespaceOption {
	return func(n *Namespace) { n.requestTimeout = d }
}

type LockOption func(*Lock)

// WithOnReset registers fn to run once the record of a destroyed lock has
// been deleted from the store.
func WithOnReset(fn func(*Lock)) LockOption {
	return func(l *Lock) { l.onReset = fn }
}
