package fsm

import (
	"testing"
	"time"

	"github.com/pixperk/fairlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return types.Event{}
	}
}

// TestWatchFutureDelete tests that a pending watcher fires on delete
func TestWatchFutureDelete(t *testing.T) {
	f := NewFSM()
	rev := put(t, f, "k", 0)

	ch, cancel, err := f.Watch("k", rev)
	require.NoError(t, err)
	defer cancel()

	select {
	case <-ch:
		t.Fatal("the put at the start revision must not be reported")
	default:
	}

	_, err = f.Apply(types.DeleteRangeCmd{Key: "k"})
	require.NoError(t, err)

	ev := receive(t, ch)
	assert.Equal(t, types.EventDelete, ev.Type)
	assert.Equal(t, "k", ev.Kv.Key)
	assert.Greater(t, ev.Revision, rev)
	assert.Equal(t, 0, f.Stats().Watchers, "one-shot watcher is removed after firing")
}

// TestWatchFromHistory tests that a delete that already happened is replayed
func TestWatchFromHistory(t *testing.T) {
	f := NewFSM()
	rev := put(t, f, "k", 0)
	_, err := f.Apply(types.DeleteRangeCmd{Key: "k"})
	require.NoError(t, err)

	ch, cancel, err := f.Watch("k", rev)
	require.NoError(t, err)
	defer cancel()

	ev := receive(t, ch)
	assert.Equal(t, types.EventDelete, ev.Type)
}

func TestWatchIgnoresOtherKeys(t *testing.T) {
	f := NewFSM()
	rev := put(t, f, "k", 0)

	ch, cancel, err := f.Watch("k", rev)
	require.NoError(t, err)
	defer cancel()

	put(t, f, "other", 0)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestWatchCancel(t *testing.T) {
	f := NewFSM()
	rev := put(t, f, "k", 0)

	_, cancel, err := f.Watch("k", rev)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Stats().Watchers)

	cancel()
	assert.Equal(t, 0, f.Stats().Watchers)
}

// TestWatchCompacted tests that history older than the limit is refused
func TestWatchCompacted(t *testing.T) {
	f := NewFSM(WithHistoryLimit(2))
	first := put(t, f, "k", 0)
	put(t, f, "a", 0)
	put(t, f, "b", 0)
	put(t, f, "c", 0)

	_, _, err := f.Watch("k", first-1)
	assert.ErrorIs(t, err, types.ErrCompacted)

	_, cancel, err := f.Watch("k", f.Revision())
	require.NoError(t, err)
	cancel()
}

func TestWatchRequiresKey(t *testing.T) {
	f := NewFSM()
	_, _, err := f.Watch("", 0)
	assert.ErrorIs(t, err, types.ErrKeyRequired)
}
