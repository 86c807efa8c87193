package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/store"
	clock "github.com/pixperk/fairlock/pkg/time"
	"github.com/pixperk/fairlock/pkg/types"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// faultyClient wraps a store and fails selected calls
type faultyClient struct {
	kv.Client

	failGrants     atomic.Int32 // number of grants to fail
	failRenews     atomic.Bool
	failDeletes    atomic.Int32 // number of deletes to fail
	compactWatches atomic.Int32 // number of watches answered with ErrCompacted
	hideNewest     atomic.Int32 // number of ranges answered without their newest record
	ranges         atomic.Int64
}

func (c *faultyClient) Range(ctx context.Context, req *kv.RangeRequest) (*kv.RangeResponse, error) {
	c.ranges.Add(1)
	resp, err := c.Client.Range(ctx, req)
	if err != nil || len(resp.Kvs) == 0 || c.hideNewest.Add(-1) < 0 {
		return resp, err
	}
	newest := 0
	for i, rec := range resp.Kvs {
		if rec.ModRevision > resp.Kvs[newest].ModRevision {
			newest = i
		}
	}
	kvs := append(append([]*types.KeyValue{}, resp.Kvs[:newest]...), resp.Kvs[newest+1:]...)
	return &kv.RangeResponse{Header: resp.Header, Kvs: kvs}, nil
}

func (c *faultyClient) LeaseGrant(ctx context.Context, req *kv.LeaseGrantRequest) (*kv.LeaseGrantResponse, error) {
	if c.failGrants.Add(-1) >= 0 {
		return nil, errInjected
	}
	return c.Client.LeaseGrant(ctx, req)
}

func (c *faultyClient) LeaseRenew(ctx context.Context, req *kv.LeaseRenewRequest) (*kv.LeaseRenewResponse, error) {
	if c.failRenews.Load() {
		return nil, errInjected
	}
	return c.Client.LeaseRenew(ctx, req)
}

func (c *faultyClient) DeleteRange(ctx context.Context, req *kv.DeleteRangeRequest) (*kv.DeleteRangeResponse, error) {
	if c.failDeletes.Add(-1) >= 0 {
		return nil, errInjected
	}
	return c.Client.DeleteRange(ctx, req)
}

func (c *faultyClient) Watch(ctx context.Context, req *kv.WatchRequest) (*kv.WatchResponse, error) {
	if c.compactWatches.Add(-1) >= 0 {
		return nil, types.ErrCompacted
	}
	return c.Client.Watch(ctx, req)
}

func newTestStore(t *testing.T, opts ...store.Option) (*store.Memory, *clock.ManualClock) {
	t.Helper()
	clk := clock.NewManualClock()
	opts = append([]store.Option{store.WithClock(clk), store.WithExpiryInterval(0)}, opts...)
	m := store.NewMemory(opts...)
	t.Cleanup(func() { m.Close() })
	return m, clk
}

func newTestSession(t *testing.T, client kv.Client, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{WithGrantRetryInterval(10 * time.Millisecond)}, opts...)
	s := NewSession(client, opts...)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func newTestNamespace(t *testing.T, s *Session, resource string) *Namespace {
	t.Helper()
	n, err := NewNamespace(s, resource, WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close(context.Background()) })
	return n
}

func newTestLock(t *testing.T, n *Namespace, value string, opts ...LockOption) *Lock {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l, err := n.NewLock(ctx, []byte(value), opts...)
	require.NoError(t, err)
	return l
}

func waitContenders(t *testing.T, n *Namespace, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		kvs, err := n.Contenders(context.Background())
		return err == nil && len(kvs) == count
	}, 2*time.Second, 5*time.Millisecond)
}

func lockAsync(l *Lock) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.Lock(context.Background()) }()
	return done
}

func requireDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not acquired")
	}
}

func requirePending(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("lock returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
