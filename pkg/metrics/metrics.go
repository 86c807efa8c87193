package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// client side: lock protocol
var (
	// time from the first put until the handle holds the lock
	// labels: resource (to see which resources are contended)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fairlock_lock_acquire_duration_seconds",
			Help:    "time taken to acquire a lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"resource"},
	)

	// acquisition outcomes
	// labels: resource, status (acquired/busy/cancelled/error)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlock_lock_acquire_total",
			Help: "total number of lock acquisition attempts by outcome",
		},
		[]string{"resource", "status"},
	)

	// times a contender queued behind its predecessor
	LockWaitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlock_lock_wait_total",
			Help: "total number of predecessor watches started while queued",
		},
		[]string{"resource"},
	)

	// full releases (count back to zero)
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlock_lock_release_total",
			Help: "total number of lock releases",
		},
		[]string{"resource"},
	)

	// held locks whose record disappeared underneath them
	// spikes indicate lease expiry, i.e. renewal trouble
	LockDestroyedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlock_lock_destroyed_total",
			Help: "total number of held locks destroyed",
		},
		[]string{"resource"},
	)

	// currently held locks in this process
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairlock_locks_held",
			Help: "current number of locks held by this process",
		},
	)

	// session lease grants by the client
	// labels: status (success/failure)
	SessionGrantTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlock_session_grant_total",
			Help: "total number of lease grant attempts made by sessions",
		},
		[]string{"status"},
	)

	// session lease renewals by the client
	// labels: status (success/failure)
	SessionRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlock_session_renew_total",
			Help: "total number of lease renewals made by sessions",
		},
		[]string{"status"},
	)
)

// store side
var (
	// served kv requests
	// labels: method, code (grpc status code)
	KVRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlock_kv_requests_total",
			Help: "total number of kv requests served",
		},
		[]string{"method", "code"},
	)

	// kv request latency, blocking watches excluded
	KVRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fairlock_kv_request_duration_seconds",
			Help:    "time taken to serve a kv request",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"method"},
	)

	// lease grants applied by the store
	LeaseGrantTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fairlock_lease_grant_total",
			Help: "total number of leases granted",
		},
	)

	// lease renewals applied by the store
	LeaseRenewTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fairlock_lease_renew_total",
			Help: "total number of lease renewals",
		},
	)

	// leases expired by the store, i.e. clients that stopped renewing
	LeaseExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fairlock_lease_expire_total",
			Help: "total number of lease expirations",
		},
	)

	// pending watches
	WatchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairlock_watchers_active",
			Help: "current number of pending watches",
		},
	)

	// store revision of this node
	StoreRevision = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairlock_store_revision",
			Help: "current store revision",
		},
	)

	// 1 if this node is leader, 0 if follower
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairlock_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// number of peers in the raft configuration
	RaftPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairlock_raft_peers",
			Help: "number of peers in the raft cluster",
		},
	)

	// last index applied to the fsm
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairlock_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairlock_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}
