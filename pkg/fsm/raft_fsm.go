package fsm

import (
	"encoding/json"
	"io"
	tm "time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/fairlock/pkg/time"
	"github.com/pixperk/fairlock/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

// the wrapped FSM never expires leases on its own; the leader proposes
// ExpireLeaseCmd instead
func NewRaftFSM(opts ...Option) *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(append(opts, WithExplicitExpiry())...),
	}
}

// the state machine reads are served from
func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the command from the log entry
	cmd, err := types.UnmarshalCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply the command to the FSM
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Kvs:         make([]*types.KeyValue, 0, len(rf.fsm.kvs)),
		Leases:      make([]snapshotLease, 0, len(rf.fsm.leases)),
		Revision:    rf.fsm.revision,
		NextLeaseID: rf.fsm.nextLeaseID,
	}

	//deep copy records
	for _, record := range rf.fsm.kvs {
		snapshot.Kvs = append(snapshot.Kvs, record.Clone())
	}

	//only the TTL survives, deadlines are relative to this process' clock
	for id, lease := range rf.fsm.leases {
		snapshot.Leases = append(snapshot.Leases, snapshotLease{ID: id, TTL: lease.TTL})
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	f := rf.fsm
	f.mu.Lock()
	defer f.mu.Unlock()

	f.kvs = make(map[string]*types.KeyValue, len(snap.Kvs))
	f.leases = make(map[int64]*types.Lease, len(snap.Leases))
	f.leaseKeys = make(map[int64]map[string]struct{}, len(snap.Leases))

	//restored leases get a full TTL, as if renewed right now
	for _, l := range snap.Leases {
		f.leases[l.ID] = &types.Lease{ID: l.ID, TTL: l.TTL, ExpiresAt: time.ExpiresAt(f.clock, l.TTL)}
		f.leaseKeys[l.ID] = make(map[string]struct{})
	}
	for _, record := range snap.Kvs {
		f.kvs[record.Key] = record
		if keys, ok := f.leaseKeys[record.Lease]; ok {
			keys[record.Key] = struct{}{}
		}
	}

	f.revision = snap.Revision
	f.nextLeaseID = snap.NextLeaseID
	f.hub.reset(snap.Revision)

	return nil
}

type snapshotLease struct {
	ID  int64       `json:"id"`
	TTL tm.Duration `json:"ttl"`
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Kvs         []*types.KeyValue `json:"kvs"`
	Leases      []snapshotLease   `json:"leases"`
	Revision    int64             `json:"revision"`
	NextLeaseID int64             `json:"next_lease_id"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
