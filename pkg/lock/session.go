package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/metrics"
	"github.com/pixperk/fairlock/pkg/types"
)

// Session owns one lease and keeps it alive for as long as the session is
// open. Every record written through the session references the lease, so
// the store removes them on its own once renewal stops.
type Session struct {
	client     kv.Client
	ttl        time.Duration
	renewEvery time.Duration
	grantRetry time.Duration
	decorate   kv.GrantDecorator
	log        logr.Logger
	s          sessionStats

	mu        sync.RWMutex
	lease     int64
	ready     chan struct{} // closed after the first successful grant
	readyOnce sync.Once

	cancel    context.CancelCauseFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSession starts granting a lease in the background and returns
// immediately. Use Lease or LeaseCtx to wait for it.
func NewSession(client kv.Client, opts ...SessionOption) *Session {
	s := &Session{
		client:     client,
		ttl:        DefaultTTL,
		grantRetry: DefaultGrantRetryInterval,
		decorate:   kv.ProvisionalLeaseID(),
		log:        logr.Discard(),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.renewEvery <= 0 {
		s.renewEvery = renewInterval(s.ttl)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return s
}

// max(ttl/3, 1s)
func renewInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d > minRenewInterval {
		return d
	}
	return minRenewInterval
}

// whole seconds, rounded up, at least one
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	//the first grant is retried until it succeeds, nothing works without it
	for {
		err := s.grant(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Error(err, "Failed to grant lease, retrying.", "retryIn", s.grantRetry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.grantRetry):
		}
	}

	ticker := time.NewTicker(s.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.renew(ctx)
			if err == nil || ctx.Err() != nil {
				continue
			}
			s.log.Error(err, "Failed to renew lease, granting again.", "lease", s.current())

			//the old id stays in place until a grant succeeds
			if err := s.grant(ctx); err != nil && ctx.Err() == nil {
				s.log.Error(err, "Failed to grant lease.", "lease", s.current())
			}
		}
	}
}

func (s *Session) grant(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.ttl)
	defer cancel()

	req := &kv.LeaseGrantRequest{ID: s.current(), TTL: ttlSeconds(s.ttl)}
	if s.decorate != nil {
		s.decorate(req)
	}

	resp, err := s.client.LeaseGrant(ctx, req)
	if err != nil {
		s.s.grantFailures.Add(1)
		metrics.SessionGrantTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("grant lease: %w", err)
	}
	s.s.grants.Add(1)
	metrics.SessionGrantTotal.WithLabelValues("success").Inc()

	s.mu.Lock()
	s.lease = resp.ID
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.log.V(1).Info("Lease granted.", "lease", resp.ID, "ttl", resp.TTL)
	return nil
}

func (s *Session) renew(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.renewEvery)
	defer cancel()

	lease := s.current()
	if _, err := s.client.LeaseRenew(ctx, &kv.LeaseRenewRequest{ID: lease}); err != nil {
		s.s.renewFailures.Add(1)
		metrics.SessionRenewTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("renew lease %d: %w", lease, err)
	}
	s.s.renewals.Add(1)
	metrics.SessionRenewTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *Session) current() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lease
}

// Lease blocks until the session holds a lease and returns its id.
func (s *Session) Lease() int64 {
	<-s.ready
	return s.current()
}

// LeaseCtx is Lease with cancellation. It fails with ErrClosed when the
// session closes before any lease was granted.
func (s *Session) LeaseCtx(ctx context.Context) (int64, error) {
	select {
	case <-s.ready:
		return s.current(), nil
	case <-s.done:
		select {
		case <-s.ready:
			return s.current(), nil
		default:
			return 0, ErrClosed
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TTL is the lease time to live requested by the session.
func (s *Session) TTL() time.Duration {
	return time.Duration(ttlSeconds(s.ttl)) * time.Second
}

// Stats returns a snapshot of the session statistics.
func (s *Session) Stats() SessionStats {
	return s.s.snapshot(s.current())
}

// Close stops renewing and revokes the lease, deleting every record written
// under it. A lease the store already forgot is not an error.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel(ErrClosed)
		<-s.done

		lease := s.current()
		if lease == 0 {
			return
		}
		_, err := s.client.LeaseRevoke(ctx, &kv.LeaseRevokeRequest{ID: lease})
		if err != nil && !errors.Is(err, types.ErrLeaseNotFound) {
			s.closeErr = fmt.Errorf("revoke lease %d: %w", lease, err)
		}
	})
	return s.closeErr
}
