package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/fairlock/pkg/fsm"
	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/metrics"
	"github.com/pixperk/fairlock/pkg/storage"
	"github.com/pixperk/fairlock/pkg/store"
	"github.com/pixperk/fairlock/pkg/types"
)

const (
	DefaultApplyTimeout   = 5 * time.Second
	DefaultExpiryInterval = 500 * time.Millisecond
)

// wraps a raft inst with our fsm and serves the kv api on top of it
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	storage   *storage.BoltDBStorage
	transport *raft.NetworkTransport
	cfg       *Config
	log       hclog.Logger

	stopCh       chan struct{}
	doneCh       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

var _ kv.Client = (*Node)(nil)

type Config struct {
	NodeID        uuid.UUID //unique ID for this node
	BindAddr      string    //net addr to bind Raft communication
	AdvertiseAddr string    //addr peers dial, defaults to the bound addr
	DataDir       string    //data directory for Raft storage
	Bootstrap     bool      //if this is the first node in the cluster

	ApplyTimeout   time.Duration //how long a write waits for commit
	ExpiryInterval time.Duration //how often the leader collects expired leases
	HistoryLimit   int           //watch history kept by the fsm
	NoSync         bool          //skip fsync on log writes (tests)

	Logger hclog.Logger
}

func (c *Config) setDefaults() {
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = DefaultExpiryInterval
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = fsm.DefaultHistoryLimit
	}
	if c.Logger == nil {
		c.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "fairlock",
			Level:  hclog.Info,
			Output: os.Stderr,
		})
	}
}

func NewNode(cfg *Config) (*Node, error) {
	cfg.setDefaults()
	if cfg.NodeID == uuid.Nil {
		return nil, errors.New("node id is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	raftFSM := fsm.NewRaftFSM(fsm.WithHistoryLimit(cfg.HistoryLimit))
	stateMachine := raftFSM.GetFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = cfg.Logger.Named("raft")

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	//add boltDB storage
	storeOpts := []storage.Option{storage.WithLogger(cfg.Logger.Named("snapshots"))}
	if cfg.NoSync {
		storeOpts = append(storeOpts, storage.WithNoSync())
	}
	raftStorage, err := storage.NewBoltDBStorage(cfg.DataDir, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	var advertise net.Addr
	if cfg.AdvertiseAddr != "" {
		advertise, err = net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
		if err != nil {
			raftStorage.Close()
			return nil, fmt.Errorf("failed to resolve advertise addr: %w", err)
		}
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, cfg.Logger.Named("transport"))
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	hasState, err := raftStorage.HasState()
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap only a brand new cluster, a restarted node recovers from its log
	if cfg.Bootstrap && !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			cfg.Logger.Warn("bootstrap failed", "error", err)
		}
	}

	n := &Node{
		raft:      r,
		fsm:       stateMachine,
		raftFSM:   raftFSM,
		storage:   raftStorage,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger.Named("node"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go n.run()

	return n, nil
}

// NotLeaderError is returned by writes and reads sent to a follower.
type NotLeaderError struct {
	Leader string // raft address of the leader, empty when unknown
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return "node is not the leader, leader unknown"
	}
	return fmt.Sprintf("node is not the leader, leader is at %s", e.Leader)
}

func (e *NotLeaderError) Unwrap() error {
	return types.ErrNotLeader
}

func (n *Node) notLeader() error {
	return &NotLeaderError{Leader: n.GetLeader()}
}

// apply a command to the Raft cluster
// domain errors returned by the fsm come back as the error value
func (n *Node) Apply(cmd types.Command) (any, error) {
	if !n.IsLeader() {
		return nil, n.notLeader()
	}

	data, err := types.MarshalCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, n.notLeader()
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}
	metrics.RaftAppliedIndex.Set(float64(future.Index()))

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

func apply[T any](ctx context.Context, n *Node, cmd types.Command) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	result, err := n.Apply(cmd)
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// confirms leadership with a quorum so reads never see stale state
func (n *Node) verifyLeader(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.IsLeader() {
		return n.notLeader()
	}
	if err := n.raft.VerifyLeader().Error(); err != nil {
		return n.notLeader()
	}
	return nil
}

func (n *Node) LeaseGrant(ctx context.Context, req *kv.LeaseGrantRequest) (*kv.LeaseGrantResponse, error) {
	resp, err := apply[*kv.LeaseGrantResponse](ctx, n, types.GrantLeaseCmd{
		ID:  req.ID,
		TTL: time.Duration(req.TTL) * time.Second,
	})
	if err == nil {
		metrics.LeaseGrantTotal.Inc()
	}
	return resp, err
}

func (n *Node) LeaseRenew(ctx context.Context, req *kv.LeaseRenewRequest) (*kv.LeaseRenewResponse, error) {
	//the leader's clock decides expiry, replicas only follow ExpireLeaseCmd
	if n.IsLeader() {
		if err := n.fsm.CheckLease(req.ID); err != nil {
			return nil, err
		}
	}
	resp, err := apply[*kv.LeaseRenewResponse](ctx, n, types.RenewLeaseCmd{ID: req.ID})
	if err == nil {
		metrics.LeaseRenewTotal.Inc()
	}
	return resp, err
}

func (n *Node) LeaseRevoke(ctx context.Context, req *kv.LeaseRevokeRequest) (*kv.LeaseRevokeResponse, error) {
	return apply[*kv.LeaseRevokeResponse](ctx, n, types.RevokeLeaseCmd{ID: req.ID})
}

func (n *Node) Put(ctx context.Context, req *kv.PutRequest) (*kv.PutResponse, error) {
	if req.Lease != 0 && n.IsLeader() {
		if err := n.fsm.CheckLease(req.Lease); err != nil {
			return nil, err
		}
	}
	return apply[*kv.PutResponse](ctx, n, types.PutCmd{
		Key:         req.Key,
		Value:       req.Value,
		Lease:       req.Lease,
		IgnoreValue: req.IgnoreValue,
	})
}

func (n *Node) Range(ctx context.Context, req *kv.RangeRequest) (*kv.RangeResponse, error) {
	if req.Key == "" {
		return nil, types.ErrKeyRequired
	}
	if err := n.verifyLeader(ctx); err != nil {
		return nil, err
	}
	return n.fsm.Range(req.Key, req.RangeEnd), nil
}

func (n *Node) DeleteRange(ctx context.Context, req *kv.DeleteRangeRequest) (*kv.DeleteRangeResponse, error) {
	return apply[*kv.DeleteRangeResponse](ctx, n, types.DeleteRangeCmd{Key: req.Key, RangeEnd: req.RangeEnd})
}

// Watch is served from the local fsm; every replica publishes the same
// events at the same revisions.
func (n *Node) Watch(ctx context.Context, req *kv.WatchRequest) (*kv.WatchResponse, error) {
	return store.WaitEvent(ctx, n.fsm, req)
}

// leader-only housekeeping plus metric refresh
func (n *Node) run() {
	defer close(n.doneCh)

	ticker := time.NewTicker(n.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.observe()
			if n.IsLeader() {
				n.expireLeases()
			}
		}
	}
}

// proposes ExpireLeaseCmd for every lease past its deadline on this clock
func (n *Node) expireLeases() int {
	expired := n.fsm.GetExpiredLeases(n.fsm.CurrentTime())
	count := 0
	for _, id := range expired {
		if _, err := n.Apply(types.ExpireLeaseCmd{ID: id}); err != nil {
			if !errors.Is(err, types.ErrLeaseNotFound) {
				n.log.Warn("failed to expire lease", "lease", id, "error", err)
			}
			continue
		}
		count++
		metrics.LeaseExpireTotal.Inc()
		n.log.Debug("lease expired", "lease", id)
	}
	return count
}

func (n *Node) observe() {
	if n.IsLeader() {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
	metrics.RaftPeers.Set(float64(n.GetClusterSize()))
	metrics.StoreRevision.Set(float64(n.fsm.Revision()))
}

// adds a voter to the cluster; must be called on the leader
func (n *Node) Join(nodeID, addr string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}

	configFuture := n.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(addr) {
			//already a member
			return nil
		}
	}

	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", nodeID, err)
	}
	n.log.Info("node joined", "id", nodeID, "addr", addr)
	return nil
}

// removes a server from the cluster; must be called on the leader
func (n *Node) Leave(nodeID string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %w", nodeID, err)
	}
	return nil
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) GetNodeID() uuid.UUID {
	return n.cfg.NodeID
}

// raft address peers use to reach this node
func (n *Node) Addr() string {
	return string(n.transport.LocalAddr())
}

func (n *Node) GetState() raft.RaftState {
	return n.raft.State()
}

// returns the number of servers in the current configuration
func (n *Node) GetClusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// the local state machine; reads on it may lag the leader
func (n *Node) FSM() *fsm.FSM {
	return n.fsm
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// Status is a point-in-time view of the node for operators.
type Status struct {
	NodeID       string    `json:"node_id"`
	Addr         string    `json:"addr"`
	State        string    `json:"state"`
	IsLeader     bool      `json:"is_leader"`
	Leader       string    `json:"leader"`
	ClusterSize  int       `json:"cluster_size"`
	AppliedIndex uint64    `json:"applied_index"`
	Store        fsm.Stats `json:"store"`
}

func (n *Node) Status() Status {
	return Status{
		NodeID:       n.cfg.NodeID.String(),
		Addr:         n.Addr(),
		State:        n.GetState().String(),
		IsLeader:     n.IsLeader(),
		Leader:       n.GetLeader(),
		ClusterSize:  n.GetClusterSize(),
		AppliedIndex: n.raft.AppliedIndex(),
		Store:        n.fsm.Stats(),
	}
}

// gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	n.shutdownOnce.Do(func() {
		close(n.stopCh)
		<-n.doneCh

		err := n.raft.Shutdown().Error()
		if cerr := n.transport.Close(); err == nil {
			err = cerr
		}
		if cerr := n.storage.Close(); err == nil {
			err = cerr
		}
		n.shutdownErr = err
	})
	return n.shutdownErr
}
