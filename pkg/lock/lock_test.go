package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/store"
	"github.com/pixperk/fairlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireAndRelease(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	l := newTestLock(t, ns, "payload")
	require.NoError(t, l.Lock(ctx))

	assert.Equal(t, 1, l.Count())
	assert.Equal(t, 1, ns.Held())
	assert.NotZero(t, l.Revision())

	kvs, err := ns.Contenders(ctx)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, l.Key(), kvs[0].Key)
	assert.Equal(t, []byte("payload"), kvs[0].Value)
	assert.Equal(t, l.Revision(), kvs[0].ModRevision)
	assert.Equal(t, ns.session.Lease(), kvs[0].Lease)

	require.NoError(t, l.Unlock(ctx))
	assert.Equal(t, 0, l.Count())
	assert.Equal(t, 0, ns.Held())

	kvs, err = ns.Contenders(ctx)
	require.NoError(t, err)
	assert.Empty(t, kvs)

	stats := ns.Stats()
	assert.Equal(t, int64(1), stats.Acquired)
	assert.Equal(t, int64(1), stats.Released)
}

func TestLock_KeyLayout(t *testing.T) {
	m, _ := newTestStore(t)
	s := newTestSession(t, m)
	ns := newTestNamespace(t, s, "orders")

	l := newTestLock(t, ns, "")
	lease := s.Lease()

	assert.Equal(t, kv.ContenderKey("orders", lease, l.ID()), l.Key())
	assert.True(t, kv.LeaseRange("orders", lease).Contains(l.Key()))
	assert.True(t, kv.ResourceRange("orders").Contains(l.Key()))
}

// A writes first and acquires; B queues behind A and acquires once A
// unlocks.
func TestLock_TwoContenders(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "a")
	b := newTestLock(t, ns, "b")

	require.NoError(t, a.Lock(ctx))
	aRev := a.Revision()

	bDone := lockAsync(b)
	waitContenders(t, ns, 2)
	requirePending(t, bDone)

	require.NoError(t, a.Unlock(ctx))
	requireDone(t, bDone)

	assert.Greater(t, b.Revision(), aRev)

	kvs, err := ns.Contenders(ctx)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, b.Key(), kvs[0].Key)
}

func TestLock_FIFO(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	holder := newTestLock(t, ns, "holder")
	require.NoError(t, holder.Lock(ctx))

	const waiters = 4
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < waiters; i++ {
		l := newTestLock(t, ns, "")
		wg.Add(1)
		go func(i int, l *Lock) {
			defer wg.Done()
			if err := l.Lock(ctx); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			if err := l.Unlock(ctx); err != nil {
				t.Error(err)
			}
		}(i, l)

		//each waiter writes its record before the next one starts
		waitContenders(t, ns, i+2)
	}

	require.NoError(t, holder.Unlock(ctx))
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestLock_MutualExclusion(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	const (
		workers = 5
		rounds  = 5
	)
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		l := newTestLock(t, ns, "")
		wg.Add(1)
		go func(l *Lock) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if err := l.Lock(ctx); err != nil {
					t.Error(err)
					return
				}
				n := inside.Add(1)
				for {
					seen := maxSeen.Load()
					if n <= seen || maxSeen.CompareAndSwap(seen, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				if err := l.Unlock(ctx); err != nil {
					t.Error(err)
					return
				}
			}
		}(l)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, int64(workers*rounds), ns.Stats().Acquired)
}

func TestLock_Reentrant(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	l := newTestLock(t, ns, "")
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Lock(ctx))
	}
	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, l.Count())

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Unlock(ctx))
		waitContenders(t, ns, 1)
	}

	require.NoError(t, l.Unlock(ctx))
	waitContenders(t, ns, 0)

	//extra unlocks are no-ops
	require.NoError(t, l.Unlock(ctx))
	assert.Equal(t, 0, l.Count())
}

func TestLock_RelockUsesFreshContender(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	l := newTestLock(t, ns, "")
	require.NoError(t, l.Lock(ctx))
	first := l.ID()
	require.NoError(t, l.Unlock(ctx))

	require.NoError(t, l.Lock(ctx))
	assert.NotEqual(t, first, l.ID())
	require.NoError(t, l.Unlock(ctx))
}

func TestLock_TryLock(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "a")
	b := newTestLock(t, ns, "b")

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	//the failed attempt leaves nothing behind
	kvs, err := ns.Contenders(ctx)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, a.Key(), kvs[0].Key)
	assert.Equal(t, int64(1), ns.Stats().Busy)

	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_TryLockPollExhausted(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "")
	b := newTestLock(t, ns, "")
	require.NoError(t, a.Lock(ctx))

	start := time.Now()
	ok, err := b.TryLockPoll(ctx, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	kvs, err := ns.Contenders(ctx)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, a.Key(), kvs[0].Key)
}

func TestLock_TryLockPollAcquires(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "")
	b := newTestLock(t, ns, "")
	require.NoError(t, a.Lock(ctx))

	go func() {
		time.Sleep(30 * time.Millisecond)
		a.Unlock(ctx)
	}()

	ok, err := b.TryLockPoll(ctx, 200, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, b.Count())
}

func TestLock_TryLockPollCancelled(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")

	a := newTestLock(t, ns, "")
	b := newTestLock(t, ns, "")
	require.NoError(t, a.Lock(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ok, err := b.TryLockPoll(ctx, 1000, 5*time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)

	kvs, err := ns.Contenders(context.Background())
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, a.Key(), kvs[0].Key)
}

func TestLock_LockContextDeadline(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")

	a := newTestLock(t, ns, "")
	b := newTestLock(t, ns, "")
	require.NoError(t, a.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := b.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, b.Count())

	waitContenders(t, ns, 1)
}

func TestLock_WatchDestroyRequiresLock(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	l := newTestLock(t, ns, "")
	_, err := l.WatchDestroy()
	assert.ErrorIs(t, err, ErrNotLocked)

	require.NoError(t, l.Lock(ctx))
	ch, err := l.WatchDestroy()
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("destroy notified while held")
	default:
	}

	require.NoError(t, l.Unlock(ctx))
	_, err = l.WatchDestroy()
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestLock_DestroyIsIdempotent(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	var resets atomic.Int32
	l := newTestLock(t, ns, "", WithOnReset(func(*Lock) { resets.Add(1) }))

	//not locked: nothing happens
	l.Destroy()
	assert.False(t, l.Destroyed())

	require.NoError(t, l.Lock(ctx))
	ch, err := l.WatchDestroy()
	require.NoError(t, err)

	l.Destroy()
	l.Destroy()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("destroy not notified")
	}
	assert.True(t, l.Destroyed())
	assert.Equal(t, 0, ns.Held())

	waitContenders(t, ns, 0)
	require.Eventually(t, func() bool { return resets.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, l.Lock(ctx), ErrDestroyed)
	ok, err := l.TryLock(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDestroyed)

	//WatchDestroy keeps answering with the closed channel
	ch, err = l.WatchDestroy()
	require.NoError(t, err)
	<-ch

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), resets.Load())
}

// A's lease runs out while A holds the lock: the store deletes A's record,
// A is destroyed exactly once and the queued B takes over.
func TestLock_LeaseExpiryDestroysHolder(t *testing.T) {
	m, clk := newTestStore(t)
	ctx := context.Background()

	sessionA := newTestSession(t, m, WithTTL(2*time.Second), WithRenewInterval(time.Hour))
	sessionB := newTestSession(t, m, WithTTL(time.Minute), WithRenewInterval(time.Hour))
	nsA := newTestNamespace(t, sessionA, "r")
	nsB := newTestNamespace(t, sessionB, "r")

	var resets atomic.Int32
	a := newTestLock(t, nsA, "a", WithOnReset(func(*Lock) { resets.Add(1) }))
	b := newTestLock(t, nsB, "b")

	require.NoError(t, a.Lock(ctx))
	aKey, aRev := a.Key(), a.Revision()
	destroyed, err := a.WatchDestroy()
	require.NoError(t, err)

	bDone := lockAsync(b)
	waitContenders(t, nsA, 2)
	requirePending(t, bDone)

	//an independent watcher on A's record observes the delete as well
	watched := make(chan *kv.WatchResponse, 1)
	go func() {
		resp, err := m.Watch(ctx, &kv.WatchRequest{Key: aKey, StartRevision: aRev})
		if err == nil {
			watched <- resp
		}
	}()

	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, m.ExpireLeases())

	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("holder was not destroyed")
	}
	requireDone(t, bDone)

	select {
	case resp := <-watched:
		require.Len(t, resp.Events, 1)
		assert.Equal(t, types.EventDelete, resp.Events[0].Type)
	case <-time.After(time.Second):
		t.Fatal("watcher did not observe the delete")
	}

	assert.True(t, a.Destroyed())
	assert.ErrorIs(t, a.Lock(ctx), ErrDestroyed)

	a.Destroy()
	a.Destroy()
	require.Eventually(t, func() bool { return resets.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), resets.Load())
	assert.Equal(t, int64(1), nsA.Stats().Destroyed)
}

func TestLock_SelfWatchSurvivesCompaction(t *testing.T) {
	m, _ := newTestStore(t)
	client := &faultyClient{Client: m}
	ns := newTestNamespace(t, newTestSession(t, client), "r")
	ctx := context.Background()

	client.compactWatches.Store(1)

	l := newTestLock(t, ns, "")
	require.NoError(t, l.Lock(ctx))
	destroyed, err := l.WatchDestroy()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return client.compactWatches.Load() < 0 }, time.Second, time.Millisecond)
	assert.False(t, l.Destroyed())

	_, err = m.DeleteRange(ctx, &kv.DeleteRangeRequest{Key: l.Key()})
	require.NoError(t, err)

	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not destroyed after its record was deleted")
	}
}

func TestLock_RecordRewrittenAfterVanishing(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "")
	b := newTestLock(t, ns, "")
	require.NoError(t, a.Lock(ctx))

	bDone := lockAsync(b)
	waitContenders(t, ns, 2)

	//remove B's pending record behind its back, then release A
	kvs, err := ns.Contenders(ctx)
	require.NoError(t, err)
	bKey := kvs[1].Key
	_, err = m.DeleteRange(ctx, &kv.DeleteRangeRequest{Key: bKey})
	require.NoError(t, err)
	require.NoError(t, a.Unlock(ctx))

	requireDone(t, bDone)
	kvs, err = ns.Contenders(ctx)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, bKey, kvs[0].Key)
}

func TestLock_UnlockRetriesFailedDelete(t *testing.T) {
	m, _ := newTestStore(t)
	client := &faultyClient{Client: m}
	ns := newTestNamespace(t, newTestSession(t, client), "r")
	ctx := context.Background()

	l := newTestLock(t, ns, "")
	require.NoError(t, l.Lock(ctx))

	client.failDeletes.Store(1)
	err := l.Unlock(ctx)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 0, l.Count())

	waitContenders(t, ns, 0)
}

// A holds the lock across more writes than the store keeps in its watch
// history. The queued B must still block on the predecessor watch instead of
// ranging again and again.
func TestLock_WaiterIdlesAfterHistoryCompacted(t *testing.T) {
	m, _ := newTestStore(t, store.WithHistoryLimit(4))
	client := &faultyClient{Client: m}
	ns := newTestNamespace(t, newTestSession(t, client), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "a")
	b := newTestLock(t, ns, "b")
	require.NoError(t, a.Lock(ctx))

	for i := 0; i < 10; i++ {
		_, err := m.Put(ctx, &kv.PutRequest{Key: fmt.Sprintf("other/%d", i), Value: []byte("x")})
		require.NoError(t, err)
	}

	bDone := lockAsync(b)
	waitContenders(t, ns, 2)

	before := client.ranges.Load()
	time.Sleep(200 * time.Millisecond)
	requirePending(t, bDone)
	assert.LessOrEqual(t, client.ranges.Load()-before, int64(3))

	require.NoError(t, a.Unlock(ctx))
	requireDone(t, bDone)
}

func TestLock_WaiterPausesOnCompactedWatch(t *testing.T) {
	m, _ := newTestStore(t)
	client := &faultyClient{Client: m}
	ns := newTestNamespace(t, newTestSession(t, client), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "a")
	b := newTestLock(t, ns, "b")
	require.NoError(t, a.Lock(ctx))

	//the holder's self watch is already subscribed, every later watch fails
	client.compactWatches.Store(1 << 20)
	bDone := lockAsync(b)
	waitContenders(t, ns, 2)

	before := client.ranges.Load()
	time.Sleep(100 * time.Millisecond)
	//about one range per retry delay
	assert.LessOrEqual(t, client.ranges.Load()-before, int64(20))

	client.compactWatches.Store(0)
	require.NoError(t, a.Unlock(ctx))
	requireDone(t, bDone)
}

func TestLock_TryLockRetriesFailedCleanup(t *testing.T) {
	m, _ := newTestStore(t)
	client := &faultyClient{Client: m}
	ns := newTestNamespace(t, newTestSession(t, client), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "a")
	b := newTestLock(t, ns, "b")
	c := newTestLock(t, ns, "c")
	require.NoError(t, a.Lock(ctx))

	client.failDeletes.Store(1)
	ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	//b's record is gone once the background delete went through
	waitContenders(t, ns, 1)

	require.NoError(t, a.Unlock(ctx))
	requireDone(t, lockAsync(c))
}

func TestLock_TryLockRecordMissingAfterPut(t *testing.T) {
	m, _ := newTestStore(t)
	client := &faultyClient{Client: m}
	ns := newTestNamespace(t, newTestSession(t, client), "r")
	ctx := context.Background()

	a := newTestLock(t, ns, "a")
	b := newTestLock(t, ns, "b")
	require.NoError(t, a.Lock(ctx))

	client.hideNewest.Store(1)
	ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), ns.Stats().Busy)

	waitContenders(t, ns, 1)
	assert.Equal(t, 0, b.Count())
}

func TestLock_AcquireAfterClose(t *testing.T) {
	m, _ := newTestStore(t)
	ns := newTestNamespace(t, newTestSession(t, m), "r")
	ctx := context.Background()

	var resets atomic.Int32
	l := newTestLock(t, ns, "", WithOnReset(func(*Lock) { resets.Add(1) }))
	require.NoError(t, l.put(ctx))
	require.NoError(t, ns.Close(ctx))

	l.mu.Lock()
	err := l.acquire(1, time.Now())
	l.mu.Unlock()

	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, l.Destroyed())
	assert.Equal(t, 0, l.Count())
	assert.Equal(t, 0, ns.Held())
	assert.Equal(t, int32(0), resets.Load())
	_, err = l.WatchDestroy()
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestLocate(t *testing.T) {
	rec := func(key string, rev int64) *types.KeyValue {
		return &types.KeyValue{Key: key, ModRevision: rev}
	}

	_, err := locate(nil, "a")
	assert.ErrorIs(t, err, ErrEmptyRange)

	_, err = locate([]*types.KeyValue{rec("b", 3)}, "a")
	assert.ErrorIs(t, err, errRecordGone)

	st, err := locate([]*types.KeyValue{rec("b", 9), rec("a", 5)}, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", st.own.Key)
	assert.Nil(t, st.pred)

	//unsorted input, the predecessor is the newest record older than own
	st, err = locate([]*types.KeyValue{rec("c", 7), rec("x", 12), rec("a", 2), rec("own", 10)}, "own")
	require.NoError(t, err)
	require.NotNil(t, st.pred)
	assert.Equal(t, "c", st.pred.Key)
}
