// Package store serves the kv.Client contract from a single in-process state
// machine. It backs tests and single-node deployments that do not need raft.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pixperk/fairlock/pkg/fsm"
	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/metrics"
	clock "github.com/pixperk/fairlock/pkg/time"
	"github.com/pixperk/fairlock/pkg/types"
)

const defaultExpiryInterval = 100 * time.Millisecond

// Memory is a kv.Client over one fsm.FSM. A background loop deletes the
// keys of leases that ran out.
type Memory struct {
	fsm            *fsm.FSM
	expiryInterval time.Duration
	log            logr.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

var _ kv.Client = (*Memory)(nil)

type Option func(*memoryConfig)

type memoryConfig struct {
	fsmOpts        []fsm.Option
	expiryInterval time.Duration
	log            logr.Logger
}

// drives lease deadlines from c instead of the system clock
func WithClock(c clock.Clock) Option {
	return func(cfg *memoryConfig) { cfg.fsmOpts = append(cfg.fsmOpts, fsm.WithClock(c)) }
}

func WithHistoryLimit(n int) Option {
	return func(cfg *memoryConfig) { cfg.fsmOpts = append(cfg.fsmOpts, fsm.WithHistoryLimit(n)) }
}

// how often expired leases are collected; zero disables the loop
func WithExpiryInterval(d time.Duration) Option {
	return func(cfg *memoryConfig) { cfg.expiryInterval = d }
}

func WithLogger(l logr.Logger) Option {
	return func(cfg *memoryConfig) { cfg.log = l }
}

func NewMemory(opts ...Option) *Memory {
	cfg := memoryConfig{
		expiryInterval: defaultExpiryInterval,
		log:            logr.Discard(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	m := &Memory{
		fsm:            fsm.NewFSM(cfg.fsmOpts...),
		expiryInterval: cfg.expiryInterval,
		log:            cfg.log,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	if m.expiryInterval > 0 {
		go m.expiryLoop()
	} else {
		close(m.doneCh)
	}
	return m
}

// the underlying state machine
func (m *Memory) FSM() *fsm.FSM {
	return m.fsm
}

// Close stops the expiry loop. Pending watches are not interrupted; their
// contexts are.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
	return nil
}

func (m *Memory) expiryLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ExpireLeases()
		case <-m.stopCh:
			return
		}
	}
}

// ExpireLeases deletes every lease past its deadline together with its keys
// and returns how many leases were removed.
func (m *Memory) ExpireLeases() int {
	expired := m.fsm.GetExpiredLeases(m.fsm.CurrentTime())
	for _, id := range expired {
		if _, err := m.fsm.Apply(types.ExpireLeaseCmd{ID: id}); err != nil {
			if !errors.Is(err, types.ErrLeaseNotFound) {
				m.log.Error(err, "Failed to expire lease.", "lease", id)
			}
			continue
		}
		metrics.LeaseExpireTotal.Inc()
		m.log.V(1).Info("Lease expired.", "lease", id)
	}
	return len(expired)
}

func apply[T any](ctx context.Context, f *fsm.FSM, cmd types.Command) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	result, err := f.Apply(cmd)
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

func (m *Memory) LeaseGrant(ctx context.Context, req *kv.LeaseGrantRequest) (*kv.LeaseGrantResponse, error) {
	resp, err := apply[*kv.LeaseGrantResponse](ctx, m.fsm, types.GrantLeaseCmd{
		ID:  req.ID,
		TTL: time.Duration(req.TTL) * time.Second,
	})
	if err == nil {
		metrics.LeaseGrantTotal.Inc()
	}
	return resp, err
}

func (m *Memory) LeaseRenew(ctx context.Context, req *kv.LeaseRenewRequest) (*kv.LeaseRenewResponse, error) {
	resp, err := apply[*kv.LeaseRenewResponse](ctx, m.fsm, types.RenewLeaseCmd{ID: req.ID})
	if err == nil {
		metrics.LeaseRenewTotal.Inc()
	}
	return resp, err
}

func (m *Memory) LeaseRevoke(ctx context.Context, req *kv.LeaseRevokeRequest) (*kv.LeaseRevokeResponse, error) {
	return apply[*kv.LeaseRevokeResponse](ctx, m.fsm, types.RevokeLeaseCmd{ID: req.ID})
}

func (m *Memory) Put(ctx context.Context, req *kv.PutRequest) (*kv.PutResponse, error) {
	return apply[*kv.PutResponse](ctx, m.fsm, types.PutCmd{
		Key:         req.Key,
		Value:       req.Value,
		Lease:       req.Lease,
		IgnoreValue: req.IgnoreValue,
	})
}

func (m *Memory) Range(ctx context.Context, req *kv.RangeRequest) (*kv.RangeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, types.ErrKeyRequired
	}
	return m.fsm.Range(req.Key, req.RangeEnd), nil
}

func (m *Memory) DeleteRange(ctx context.Context, req *kv.DeleteRangeRequest) (*kv.DeleteRangeResponse, error) {
	return apply[*kv.DeleteRangeResponse](ctx, m.fsm, types.DeleteRangeCmd{Key: req.Key, RangeEnd: req.RangeEnd})
}

func (m *Memory) Watch(ctx context.Context, req *kv.WatchRequest) (*kv.WatchResponse, error) {
	return WaitEvent(ctx, m.fsm, req)
}

// WaitEvent blocks on a one-shot fsm watch until it fires or ctx ends.
func WaitEvent(ctx context.Context, f *fsm.FSM, req *kv.WatchRequest) (*kv.WatchResponse, error) {
	ch, cancel, err := f.Watch(req.Key, req.StartRevision)
	if err != nil {
		return nil, err
	}
	defer cancel()

	metrics.WatchersActive.Inc()
	defer metrics.WatchersActive.Dec()

	select {
	case ev, ok := <-ch:
		if !ok {
			return nil, types.ErrCompacted
		}
		return &kv.WatchResponse{
			Header: kv.ResponseHeader{Revision: ev.Revision},
			Events: []types.Event{ev},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
