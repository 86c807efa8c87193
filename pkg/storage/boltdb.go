package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	dbFile      = "raft.db"
	snapshotDir = "snapshots"

	DefaultSnapshotRetain = 3
)

// BoltDBStorage wraps Raft's BoltDB storage components
// logstore : stores the Raft log entries (store commands)
// stablestore : stores stable Raft metadata [stable = survives restarts]
// snapshotstore : stores snapshots of the kv state machine
type BoltDBStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	db *raftboltdb.BoltStore
}

type Option func(*options)

type options struct {
	retain int
	noSync bool
	logger hclog.Logger
}

// number of snapshots kept on disk
func WithSnapshotRetain(n int) Option {
	return func(o *options) { o.retain = n }
}

// skips fsync on every log write; only for tests and throwaway nodes
func WithNoSync() Option {
	return func(o *options) { o.noSync = true }
}

func WithLogger(l hclog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func NewBoltDBStorage(dataDir string, opts ...Option) (*BoltDBStorage, error) {
	o := options{
		retain: DefaultSnapshotRetain,
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	//boltDB is used for both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path:   filepath.Join(dataDir, dbFile),
		NoSync: o.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	//snapshot store (file-based)
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(dataDir, snapshotDir), o.retain, o.logger)
	if err != nil {
		boltDB.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	return &BoltDBStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapshots,
		db:            boltDB,
	}, nil
}

// reports whether the directory already holds raft state, in which case the
// node must not bootstrap again
func (b *BoltDBStorage) HasState() (bool, error) {
	return raft.HasExistingState(b.LogStore, b.StableStore, b.SnapshotStore)
}

func (b *BoltDBStorage) Close() error {
	return b.db.Close()
}
