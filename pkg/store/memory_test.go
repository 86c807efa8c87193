package store

import (
	"context"
	"testing"
	"time"

	"github.com/pixperk/fairlock/pkg/kv"
	clock "github.com/pixperk/fairlock/pkg/time"
	"github.com/pixperk/fairlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, opts ...Option) *Memory {
	t.Helper()
	m := NewMemory(opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemory_PutRangeDelete(t *testing.T) {
	m := newTestMemory(t, WithExpiryInterval(0))
	ctx := context.Background()

	put1, err := m.Put(ctx, &kv.PutRequest{Key: "r|0|1|0|a", Value: []byte("a")})
	require.NoError(t, err)
	put2, err := m.Put(ctx, &kv.PutRequest{Key: "r|0|1|0|b", Value: []byte("b")})
	require.NoError(t, err)
	assert.Greater(t, put2.Header.Revision, put1.Header.Revision)

	rng := kv.ResourceRange("r")
	resp, err := m.Range(ctx, &kv.RangeRequest{Key: rng.Begin, RangeEnd: rng.End})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 2)
	assert.Equal(t, put1.Header.Revision, resp.Kvs[0].ModRevision)

	del, err := m.DeleteRange(ctx, &kv.DeleteRangeRequest{Key: "r|0|1|0|a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.Deleted)

	resp, err = m.Range(ctx, &kv.RangeRequest{Key: rng.Begin, RangeEnd: rng.End})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "r|0|1|0|b", resp.Kvs[0].Key)
}

func TestMemory_RangeRequiresKey(t *testing.T) {
	m := newTestMemory(t, WithExpiryInterval(0))

	_, err := m.Range(context.Background(), &kv.RangeRequest{})
	assert.ErrorIs(t, err, types.ErrKeyRequired)
}

func TestMemory_CancelledContext(t *testing.T) {
	m := newTestMemory(t, WithExpiryInterval(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Put(ctx, &kv.PutRequest{Key: "k"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), m.FSM().Revision())
}

func TestMemory_LeaseLifecycle(t *testing.T) {
	m := newTestMemory(t, WithExpiryInterval(0))
	ctx := context.Background()

	grant, err := m.LeaseGrant(ctx, &kv.LeaseGrantRequest{TTL: 5})
	require.NoError(t, err)
	assert.NotZero(t, grant.ID)
	assert.Equal(t, int64(5), grant.TTL)

	renew, err := m.LeaseRenew(ctx, &kv.LeaseRenewRequest{ID: grant.ID})
	require.NoError(t, err)
	assert.Equal(t, grant.ID, renew.ID)

	_, err = m.Put(ctx, &kv.PutRequest{Key: "k", Lease: grant.ID})
	require.NoError(t, err)

	_, err = m.LeaseRevoke(ctx, &kv.LeaseRevokeRequest{ID: grant.ID})
	require.NoError(t, err)

	resp, err := m.Range(ctx, &kv.RangeRequest{Key: "k"})
	require.NoError(t, err)
	assert.Empty(t, resp.Kvs)

	_, err = m.LeaseRenew(ctx, &kv.LeaseRenewRequest{ID: grant.ID})
	assert.ErrorIs(t, err, types.ErrLeaseNotFound)
}

func TestMemory_ExpireLeases(t *testing.T) {
	clk := clock.NewManualClock()
	m := newTestMemory(t, WithClock(clk), WithExpiryInterval(0))
	ctx := context.Background()

	grant, err := m.LeaseGrant(ctx, &kv.LeaseGrantRequest{TTL: 2})
	require.NoError(t, err)
	_, err = m.Put(ctx, &kv.PutRequest{Key: "k", Lease: grant.ID})
	require.NoError(t, err)

	assert.Equal(t, 0, m.ExpireLeases())

	clk.Advance(3 * time.Second)
	assert.Equal(t, 1, m.ExpireLeases())

	resp, err := m.Range(ctx, &kv.RangeRequest{Key: "k"})
	require.NoError(t, err)
	assert.Empty(t, resp.Kvs)

	_, ok := m.FSM().GetLease(grant.ID)
	assert.False(t, ok)
}

func TestMemory_ExpiryLoop(t *testing.T) {
	clk := clock.NewManualClock()
	m := newTestMemory(t, WithClock(clk), WithExpiryInterval(5*time.Millisecond))
	ctx := context.Background()

	grant, err := m.LeaseGrant(ctx, &kv.LeaseGrantRequest{TTL: 1})
	require.NoError(t, err)
	_, err = m.Put(ctx, &kv.PutRequest{Key: "k", Lease: grant.ID})
	require.NoError(t, err)

	clk.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		_, ok := m.FSM().GetLease(grant.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestMemory_WatchDelete(t *testing.T) {
	m := newTestMemory(t, WithExpiryInterval(0))
	ctx := context.Background()

	put, err := m.Put(ctx, &kv.PutRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	type result struct {
		resp *kv.WatchResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := m.Watch(ctx, &kv.WatchRequest{Key: "k", StartRevision: put.Header.Revision})
		done <- result{resp, err}
	}()

	require.Eventually(t, func() bool {
		return m.FSM().Stats().Watchers == 1
	}, time.Second, time.Millisecond)

	del, err := m.DeleteRange(ctx, &kv.DeleteRangeRequest{Key: "k"})
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.resp.Events, 1)
		assert.Equal(t, types.EventDelete, r.resp.Events[0].Type)
		assert.Equal(t, del.Header.Revision, r.resp.Header.Revision)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestMemory_WatchContextCancel(t *testing.T) {
	m := newTestMemory(t, WithExpiryInterval(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Watch(ctx, &kv.WatchRequest{Key: "k"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.FSM().Stats().Watchers)
}

func TestMemory_WatchCompacted(t *testing.T) {
	m := newTestMemory(t, WithExpiryInterval(0), WithHistoryLimit(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Put(ctx, &kv.PutRequest{Key: "k"})
		require.NoError(t, err)
	}

	_, err := m.Watch(ctx, &kv.WatchRequest{Key: "k", StartRevision: 1})
	assert.ErrorIs(t, err, types.ErrCompacted)
}
