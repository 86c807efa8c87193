package fsm

import (
	"fmt"
	"sort"
	"sync"

	tm "time"

	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/time"
	"github.com/pixperk/fairlock/pkg/types"
)

// DefaultHistoryLimit is how many events are retained for watches that
// start from an older revision.
const DefaultHistoryLimit = 4096

// revisioned key-value state machine with leases
// critical :
// - every mutation bumps the store revision exactly once
// - a key attached to a lease never outlives that lease
// - watchers see every event newer than their start revision, or ErrCompacted
type FSM struct {
	mu sync.RWMutex

	kvs       map[string]*types.KeyValue   // key -> live record
	leases    map[int64]*types.Lease       // lease ID -> Lease
	leaseKeys map[int64]map[string]struct{} // lease ID -> attached keys

	revision    int64 // store revision (monotonic)
	nextLeaseID int64 // next lease ID to assign when none is requested

	hub *watchHub

	clock          time.Clock // monotonic clock
	explicitExpiry bool       // leases end only through ExpireLeaseCmd
}

type Option func(*FSM)

// uses the given clock for lease deadlines
func WithClock(c time.Clock) Option {
	return func(f *FSM) { f.clock = c }
}

// leaves expiry decisions to whoever applies ExpireLeaseCmd. Replicas apply
// the same log at different moments, so their clocks must not decide whether
// a put or renew succeeds.
func WithExplicitExpiry() Option {
	return func(f *FSM) { f.explicitExpiry = true }
}

// keeps at most n events of watch history
func WithHistoryLimit(n int) Option {
	return func(f *FSM) { f.hub.limit = n }
}

func NewFSM(opts ...Option) *FSM {
	f := &FSM{
		kvs:         make(map[string]*types.KeyValue),
		leases:      make(map[int64]*types.Lease),
		leaseKeys:   make(map[int64]map[string]struct{}),
		nextLeaseID: 1, //start lease IDs from 1
		hub:         newWatchHub(DefaultHistoryLimit),
		clock:       time.NewClock(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case types.PutCmd:
		return f.applyPut(c)
	case types.DeleteRangeCmd:
		return f.applyDeleteRange(c)
	case types.GrantLeaseCmd:
		return f.applyGrantLease(c)
	case types.RenewLeaseCmd:
		return f.applyRenewLease(c)
	case types.RevokeLeaseCmd:
		return f.applyRevokeLease(c.ID)
	case types.ExpireLeaseCmd:
		return f.applyRevokeLease(c.ID)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

func (f *FSM) header() kv.ResponseHeader {
	return kv.ResponseHeader{Revision: f.revision}
}

func (f *FSM) applyPut(cmd types.PutCmd) (any, error) {
	if cmd.Key == "" {
		return nil, types.ErrKeyRequired
	}

	if cmd.Lease != 0 {
		lease, exists := f.leases[cmd.Lease]
		if !exists {
			return nil, types.ErrLeaseNotFound
		}
		if f.expired(lease) {
			return nil, types.ErrLeaseExpired
		}
	}

	f.revision++
	rev := f.revision

	record, exists := f.kvs[cmd.Key]
	if !exists {
		record = &types.KeyValue{Key: cmd.Key, CreateRevision: rev}
		f.kvs[cmd.Key] = record
	}
	if !exists || !cmd.IgnoreValue {
		record.Value = append([]byte(nil), cmd.Value...)
	}
	record.ModRevision = rev
	record.Version++

	//move the key to its new lease
	if record.Lease != cmd.Lease {
		f.detach(record.Lease, cmd.Key)
		record.Lease = cmd.Lease
	}
	if cmd.Lease != 0 {
		keys, ok := f.leaseKeys[cmd.Lease]
		if !ok {
			keys = make(map[string]struct{})
			f.leaseKeys[cmd.Lease] = keys
		}
		keys[cmd.Key] = struct{}{}
	}

	f.hub.publish(types.Event{Type: types.EventPut, Kv: record.Clone(), Revision: rev})

	return &kv.PutResponse{Header: f.header()}, nil
}

func (f *FSM) applyDeleteRange(cmd types.DeleteRangeCmd) (any, error) {
	if cmd.Key == "" {
		return nil, types.ErrKeyRequired
	}

	keys := f.matching(cmd.Key, cmd.RangeEnd)
	deleted := f.deleteKeys(keys)

	return &kv.DeleteRangeResponse{Header: f.header(), Deleted: int64(deleted)}, nil
}

// removes keys under one new revision and publishes a delete event per key
func (f *FSM) deleteKeys(keys []string) int {
	if len(keys) == 0 {
		return 0
	}

	f.revision++
	rev := f.revision

	for _, key := range keys {
		record := f.kvs[key]
		delete(f.kvs, key)
		f.detach(record.Lease, key)
		f.hub.publish(types.Event{
			Type:     types.EventDelete,
			Kv:       &types.KeyValue{Key: key, ModRevision: rev, Lease: record.Lease},
			Revision: rev,
		})
	}
	return len(keys)
}

func (f *FSM) detach(leaseID int64, key string) {
	if leaseID == 0 {
		return
	}
	if keys, ok := f.leaseKeys[leaseID]; ok {
		delete(keys, key)
	}
}

func (f *FSM) applyGrantLease(cmd types.GrantLeaseCmd) (any, error) {
	if cmd.TTL <= 0 {
		return nil, types.ErrInvalidLeaseTTL
	}
	if cmd.ID < 0 {
		return nil, types.ErrLeaseNotFound
	}

	id := cmd.ID
	if id == 0 {
		for {
			id = f.nextLeaseID
			f.nextLeaseID++
			if _, taken := f.leases[id]; !taken {
				break
			}
		}
	}

	//granting a live lease again refreshes it, so a retried grant is harmless
	lease, exists := f.leases[id]
	if !exists {
		lease = &types.Lease{ID: id}
		f.leases[id] = lease
	}
	lease.TTL = cmd.TTL
	lease.ExpiresAt = time.ExpiresAt(f.clock, cmd.TTL)

	return &kv.LeaseGrantResponse{
		Header: f.header(),
		ID:     id,
		TTL:    int64(cmd.TTL / tm.Second),
	}, nil
}

func (f *FSM) applyRenewLease(cmd types.RenewLeaseCmd) (any, error) {
	lease, exists := f.leases[cmd.ID]
	if !exists {
		return nil, types.ErrLeaseNotFound
	}

	//if already expired, cannot renew
	if f.expired(lease) {
		return nil, types.ErrLeaseExpired
	}

	lease.ExpiresAt = time.ExpiresAt(f.clock, lease.TTL)

	return &kv.LeaseRenewResponse{
		Header: f.header(),
		ID:     lease.ID,
		TTL:    int64(lease.TTL / tm.Second),
	}, nil
}

func (f *FSM) expired(lease *types.Lease) bool {
	return !f.explicitExpiry && lease.IsExpired(f.clock.Elapsed())
}

// deletes the lease and every key attached to it
func (f *FSM) applyRevokeLease(id int64) (any, error) {
	if _, exists := f.leases[id]; !exists {
		return nil, types.ErrLeaseNotFound
	}

	keys := make([]string, 0, len(f.leaseKeys[id]))
	for key := range f.leaseKeys[id] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	f.deleteKeys(keys)

	delete(f.leases, id)
	delete(f.leaseKeys, id)

	return &kv.LeaseRevokeResponse{Header: f.header()}, nil
}

// keys selected by a single key or a [key, end) range, sorted
func (f *FSM) matching(key, end string) []string {
	if end == "" {
		if _, ok := f.kvs[key]; ok {
			return []string{key}
		}
		return nil
	}

	var keys []string
	for k := range f.kvs {
		if k >= key && k < end {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// reads a single key or a [key, end) range
func (f *FSM) Range(key, end string) *kv.RangeResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := f.matching(key, end)
	kvs := make([]*types.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, f.kvs[k].Clone())
	}
	return &kv.RangeResponse{Header: f.header(), Kvs: kvs}
}

// subscribes to the first event on key newer than startRev
// the channel receives exactly one event, or is closed when the history the
// watcher depends on is discarded (snapshot restore)
func (f *FSM) Watch(key string, startRev int64) (<-chan types.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if key == "" {
		return nil, nil, types.ErrKeyRequired
	}
	ch, w, err := f.hub.watch(key, startRev)
	if err != nil {
		return nil, nil, err
	}
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.hub.remove(w)
	}
	return ch, cancel, nil
}

// returns a lease by ID
func (f *FSM) GetLease(id int64) (*types.Lease, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	lease, exists := f.leases[id]
	if !exists {
		return nil, false
	}
	leaseCopy := *lease
	return &leaseCopy, true
}

// CheckLease reports whether a lease exists and is live on this replica's
// clock.
func (f *FSM) CheckLease(id int64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	lease, exists := f.leases[id]
	if !exists {
		return types.ErrLeaseNotFound
	}
	if lease.IsExpired(f.clock.Elapsed()) {
		return types.ErrLeaseExpired
	}
	return nil
}

// current store revision
func (f *FSM) Revision() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.revision
}

// current fsm stats
type Stats struct {
	Keys     int   `json:"keys"`
	Leases   int   `json:"leases"`
	Revision int64 `json:"revision"`
	Watchers int   `json:"watchers"`
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		Keys:     len(f.kvs),
		Leases:   len(f.leases),
		Revision: f.revision,
		Watchers: f.hub.size(),
	}
}

// returns all lease IDs that have expired
func (f *FSM) GetExpiredLeases(now tm.Duration) []int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var expired []int64
	for id, lease := range f.leases {
		if lease.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	return expired
}

func (f *FSM) CurrentTime() tm.Duration {
	return f.clock.Elapsed()
}
