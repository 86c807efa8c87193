package storage

import (
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/pixperk/fairlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBoltDBStores(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir(), WithNoSync())
	require.NoError(t, err)
	defer stores.Close()

	// Verify stores are not nil
	assert.NotNil(t, stores.LogStore)
	assert.NotNil(t, stores.StableStore)
	assert.NotNil(t, stores.SnapshotStore)

	hasState, err := stores.HasState()
	require.NoError(t, err)
	assert.False(t, hasState)
}

func TestLogStore(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir())
	require.NoError(t, err)
	defer stores.Close()

	data, err := types.MarshalCommand(types.PutCmd{Key: "r|0|1|0|a", Value: []byte("v"), Lease: 1})
	require.NoError(t, err)

	// Store a log entry
	log := &raft.Log{
		Index: 1,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  data,
	}
	require.NoError(t, stores.LogStore.StoreLog(log))

	// Retrieve the log entry
	retrievedLog := &raft.Log{}
	require.NoError(t, stores.LogStore.GetLog(1, retrievedLog))

	assert.Equal(t, uint64(1), retrievedLog.Index)
	assert.Equal(t, uint64(1), retrievedLog.Term)

	cmd, err := types.UnmarshalCommand(retrievedLog.Data)
	require.NoError(t, err)
	assert.Equal(t, types.PutCmd{Key: "r|0|1|0|a", Value: []byte("v"), Lease: 1}, cmd)

	hasState, err := stores.HasState()
	require.NoError(t, err)
	assert.True(t, hasState)
}

func TestStableStore(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir())
	require.NoError(t, err)
	defer stores.Close()

	// Store current term
	require.NoError(t, stores.StableStore.SetUint64([]byte("CurrentTerm"), 5))

	// Retrieve current term
	term, err := stores.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), term)
}

func TestSnapshotStore(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir(), WithSnapshotRetain(1))
	require.NoError(t, err)
	defer stores.Close()

	snapshotData := []byte(`{"kvs":[],"leases":[],"revision":7,"next_lease_id":1}`)

	for _, index := range []uint64{100, 200} {
		sink, err := stores.SnapshotStore.Create(
			raft.SnapshotVersionMax,
			index, // last included index
			1,     // last included term
			raft.Configuration{},
			1,   // configuration index
			nil, // transport
		)
		require.NoError(t, err)

		_, err = sink.Write(snapshotData)
		require.NoError(t, err)
		require.NoError(t, sink.Close())
	}

	// only the newest snapshot is retained
	snapshots, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(200), snapshots[0].Index)
	assert.Equal(t, uint64(1), snapshots[0].Term)

	_, rc, err := stores.SnapshotStore.Open(snapshots[0].ID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, snapshotData, got)
}

func TestStoresPersistence(t *testing.T) {
	dir := t.TempDir()

	// Create stores and write data
	stores1, err := NewBoltDBStorage(dir)
	require.NoError(t, err)
	require.NoError(t, stores1.StableStore.SetUint64([]byte("CurrentTerm"), 42))
	require.NoError(t, stores1.Close())

	// Reopen stores and verify data persisted
	stores2, err := NewBoltDBStorage(dir)
	require.NoError(t, err)
	defer stores2.Close()

	term, err := stores2.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)

	hasState, err := stores2.HasState()
	require.NoError(t, err)
	assert.True(t, hasState)
}
