package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/metrics"
	"github.com/pixperk/fairlock/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/pixperk/fairlock/pkg/lock")

const (
	minWatchBackoff = 50 * time.Millisecond
	maxWatchBackoff = 2 * time.Second
)

type state int

const (
	stateUnlocked state = iota
	stateLocked
	stateDestroyed
)

func (s state) String() string {
	switch s {
	case stateUnlocked:
		return "unlocked"
	case stateLocked:
		return "locked"
	case stateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Lock is one contender for the resource of its namespace. A handle is
// reentrant: n calls to Lock need n calls to Unlock before the record is
// deleted. All methods are safe for concurrent use and serialize on the
// handle.
type Lock struct {
	ns      *Namespace
	value   []byte
	onReset func(*Lock)
	log     logr.Logger

	mu        sync.Mutex
	id        string // contender id, fresh for every acquisition attempt
	lease     int64
	key       string
	state     state
	count     int
	revision  int64 // mod revision of the record that won the lock
	heldSince time.Time
	destroyed chan struct{}
	stopWatch context.CancelFunc
}

// picks a new contender id so a record left over from an earlier attempt
// can never be mistaken for the current one
func (l *Lock) newAttempt() {
	l.id = uuid.NewString()
	l.lease = l.ns.session.current()
	l.key = kv.ContenderKey(l.ns.resource, l.lease, l.id)
}

// Lock blocks until the handle holds the lock. Store errors are logged and
// retried. When ctx ends first, the pending record is deleted and the
// context error is returned.
func (l *Lock) Lock(ctx context.Context) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if done, err := l.reenter(); done {
		return err
	}

	ctx, span := tracer.Start(ctx, "Lock.Lock", l.spanAttributes())
	defer func() { endSpan(span, err) }()
	ctx, cancel := l.ns.bind(ctx)
	defer cancel()

	start := time.Now()
	l.newAttempt()

	written, justPut := false, false
	for {
		if ctx.Err() != nil {
			return l.abandon(ctx, "cancelled")
		}

		if !written {
			if err := l.put(ctx); err != nil {
				if ctx.Err() == nil {
					l.log.Error(err, "Failed to write lock record, retrying.", "key", l.key)
					l.ns.pause(ctx, l.ns.retryDelay)
				}
				continue
			}
			written, justPut = true, true
		}

		st, err := l.rank(ctx, justPut)
		justPut = false
		switch {
		case errors.Is(err, errRecordGone):
			l.log.Info("Lock record vanished while waiting, writing it again.", "key", l.key)
			written = false
			continue
		case errors.Is(err, ErrEmptyRange), errors.Is(err, ErrNoPredecessor):
			l.abandon(ctx, "error")
			return err
		case err != nil:
			if ctx.Err() == nil {
				l.log.Error(err, "Failed to range contenders, retrying.", "key", l.key)
				l.ns.pause(ctx, l.ns.retryDelay)
			}
			continue
		}

		if st.pred == nil {
			return l.acquire(st.own.ModRevision, start)
		}

		metrics.LockWaitTotal.WithLabelValues(l.ns.resource).Inc()
		l.log.V(1).Info("Waiting for predecessor.", "key", l.key, "predecessor", st.pred.Key, "revision", st.pred.ModRevision)

		//the predecessor was live at st.rev, so its deletion comes later.
		//any event or watch error means: look again
		_, err = l.ns.client.Watch(ctx, &kv.WatchRequest{Key: st.pred.Key, StartRevision: st.rev})
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, types.ErrCompacted):
			l.log.V(1).Info("Predecessor watch compacted, looking again.", "key", l.key, "predecessor", st.pred.Key, "revision", st.rev)
			l.ns.pause(ctx, l.ns.retryDelay)
		default:
			l.log.Error(err, "Failed to watch predecessor, retrying.", "key", l.key, "predecessor", st.pred.Key)
			l.ns.pause(ctx, l.ns.retryDelay)
		}
	}
}

// TryLock makes a single attempt. On failure it deletes its record and
// returns false without waiting.
func (l *Lock) TryLock(ctx context.Context) (ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if done, err := l.reenter(); done {
		return err == nil, err
	}

	ctx, span := tracer.Start(ctx, "Lock.TryLock", l.spanAttributes())
	defer func() { endSpan(span, err) }()
	ctx, cancel := l.ns.bind(ctx)
	defer cancel()

	start := time.Now()
	l.newAttempt()

	if err := l.put(ctx); err != nil {
		l.remove()
		l.failed("error")
		return false, err
	}

	st, err := l.rank(ctx, true)
	if err != nil && !errors.Is(err, errRecordGone) {
		l.remove()
		l.failed("error")
		return false, err
	}
	//a record that vanished right after the put lost this attempt
	if err != nil || st.pred != nil {
		l.remove()
		l.failed("busy")
		return false, nil
	}

	if err := l.acquire(st.own.ModRevision, start); err != nil {
		return false, err
	}
	return true, nil
}

// TryLockPoll writes one record and then checks up to attempts times
// whether it is the oldest, sleeping interval between checks. The total
// wait is therefore about (attempts-1)*interval. On failure, error or
// cancellation the record is deleted.
func (l *Lock) TryLockPoll(ctx context.Context, attempts int, interval time.Duration) (ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if done, err := l.reenter(); done {
		return err == nil, err
	}

	ctx, span := tracer.Start(ctx, "Lock.TryLockPoll", l.spanAttributes(
		attribute.Int("fairlock.attempts", attempts),
		attribute.Int64("fairlock.interval_ms", interval.Milliseconds()),
	))
	defer func() { endSpan(span, err) }()
	ctx, cancel := l.ns.bind(ctx)
	defer cancel()

	start := time.Now()
	l.newAttempt()

	if err := l.put(ctx); err != nil {
		l.remove()
		l.failed("error")
		return false, err
	}

	justPut := true
	for i := 0; i < attempts; i++ {
		if i > 0 && !l.ns.pause(ctx, interval) {
			return false, l.abandon(ctx, "cancelled")
		}

		st, err := l.rank(ctx, justPut)
		justPut = false
		if errors.Is(err, errRecordGone) {
			if err := l.put(ctx); err != nil {
				l.remove()
				l.failed("error")
				return false, err
			}
			justPut = true
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, l.abandon(ctx, "cancelled")
			}
			l.remove()
			l.failed("error")
			return false, err
		}
		if st.pred == nil {
			if err := l.acquire(st.own.ModRevision, start); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	l.remove()
	l.failed("busy")
	return false, nil
}

// handles calls on a handle that is not unlocked
func (l *Lock) reenter() (bool, error) {
	switch l.state {
	case stateLocked:
		l.count++
		return true, nil
	case stateDestroyed:
		return true, ErrDestroyed
	default:
		if l.ns.ctx.Err() != nil {
			return true, ErrClosed
		}
		return false, nil
	}
}

func (l *Lock) put(ctx context.Context) error {
	_, err := l.ns.client.Put(ctx, &kv.PutRequest{
		Key:         l.key,
		Value:       l.value,
		Lease:       l.lease,
		IgnoreValue: len(l.value) == 0,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", l.key, err)
	}
	return nil
}

// position of the handle's record among the live contenders
type standing struct {
	own  *types.KeyValue
	pred *types.KeyValue // nil when own is the oldest record
	rev  int64           // store revision of the listing
}

func (l *Lock) rank(ctx context.Context, justPut bool) (standing, error) {
	kvs, rev, err := l.ns.contenders(ctx)
	if err != nil {
		return standing{}, err
	}
	st, err := locate(kvs, l.key)
	st.rev = rev
	if errors.Is(err, ErrEmptyRange) && !justPut {
		return st, errRecordGone
	}
	return st, err
}

func locate(kvs []*types.KeyValue, key string) (standing, error) {
	if len(kvs) == 0 {
		return standing{}, ErrEmptyRange
	}

	var st standing
	for _, rec := range kvs {
		if rec.Key == key {
			st.own = rec
			break
		}
	}
	if st.own == nil {
		return st, errRecordGone
	}

	oldest := st.own
	for _, rec := range kvs {
		if rec.ModRevision < oldest.ModRevision {
			oldest = rec
		}
		if rec.ModRevision < st.own.ModRevision && (st.pred == nil || rec.ModRevision > st.pred.ModRevision) {
			st.pred = rec
		}
	}
	if oldest != st.own && st.pred == nil {
		return st, ErrNoPredecessor
	}
	return st, nil
}

// enters the locked state with the self watch running. Fails with ErrClosed,
// leaving the handle unlocked, when the namespace closed meanwhile.
func (l *Lock) acquire(rev int64, start time.Time) error {
	ctx, cancel := context.WithCancel(l.ns.ctx)
	key := l.key
	if !l.ns.goroutine(func() { l.watchSelf(ctx, key, rev) }) {
		cancel()
		l.remove()
		l.failed("cancelled")
		return ErrClosed
	}
	l.stopWatch = cancel

	l.state = stateLocked
	l.count = 1
	l.revision = rev
	l.heldSince = time.Now()
	l.destroyed = make(chan struct{})

	l.ns.held.Store(l.key, l)
	l.ns.s.acquired.Add(1)
	metrics.LocksHeld.Inc()
	metrics.LockAcquireTotal.WithLabelValues(l.ns.resource, "acquired").Inc()
	metrics.LockAcquireDuration.WithLabelValues(l.ns.resource).Observe(time.Since(start).Seconds())

	l.log.V(1).Info("Lock acquired.", "key", l.key, "revision", rev)
	return nil
}

func (l *Lock) failed(status string) {
	if status == "busy" {
		l.ns.s.busy.Add(1)
	}
	metrics.LockAcquireTotal.WithLabelValues(l.ns.resource, status).Inc()
}

// deletes the pending record and returns the reason ctx ended
func (l *Lock) abandon(ctx context.Context, status string) error {
	l.remove()
	l.failed(status)
	return context.Cause(ctx)
}

// deletes the current record, retrying in the background if the first
// delete fails
func (l *Lock) remove() {
	ctx, cancel := l.ns.cleanupContext()
	defer cancel()
	if _, err := l.ns.client.DeleteRange(ctx, &kv.DeleteRangeRequest{Key: l.key}); err != nil {
		l.log.Error(err, "Failed to delete lock record, retrying in background.", "key", l.key)
		l.deleteInBackground(l.key, nil)
	}
}

// watchSelf waits for the deletion of the record that won the lock and
// destroys the handle when it happens.
func (l *Lock) watchSelf(ctx context.Context, key string, acquired int64) {
	from := acquired
	backoff := minWatchBackoff

	for {
		resp, err := l.ns.client.Watch(ctx, &kv.WatchRequest{Key: key, StartRevision: from})
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			for _, ev := range resp.Events {
				if ev.Type == types.EventDelete {
					l.log.Info("Lock record deleted, destroying lock.", "key", key, "revision", ev.Revision)
					l.destroyAcquisition(acquired)
					return
				}
				from = ev.Revision
			}
			backoff = minWatchBackoff

		case errors.Is(err, types.ErrCompacted):
			//the delete may be among the discarded events, look at the key itself
			rr, rerr := l.ns.client.Range(ctx, &kv.RangeRequest{Key: key})
			if rerr != nil {
				if ctx.Err() != nil {
					return
				}
				l.log.Error(rerr, "Failed to read lock record after compaction.", "key", key)
				backoff = l.backoff(ctx, backoff)
				continue
			}
			if len(rr.Kvs) == 0 || rr.Kvs[0].ModRevision != acquired {
				l.log.Info("Lock record gone after compaction, destroying lock.", "key", key)
				l.destroyAcquisition(acquired)
				return
			}
			from = rr.Header.Revision

		case kv.IsRetryable(err):
			l.log.V(1).Info("Watch on lock record failed, resubscribing.", "key", key, "error", err.Error())
			backoff = l.backoff(ctx, backoff)

		default:
			l.log.Error(err, "Watch on lock record failed, resubscribing.", "key", key, "retryIn", backoff)
			backoff = l.backoff(ctx, backoff)
		}
	}
}

func (l *Lock) backoff(ctx context.Context, d time.Duration) time.Duration {
	l.ns.pause(ctx, d)
	if d *= 2; d > maxWatchBackoff {
		d = maxWatchBackoff
	}
	return d
}

// destroys the handle only if it still holds the acquisition the watcher
// was started for
func (l *Lock) destroyAcquisition(rev int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateLocked && l.revision == rev {
		l.destroyLocked()
	}
}

// Unlock releases one level of reentry. The last one deletes the record,
// which wakes the next contender. If that delete fails the error is returned
// and the delete keeps being retried in the background.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != stateLocked || l.count == 0 {
		return nil
	}
	l.count--
	if l.count > 0 {
		return nil
	}

	l.state = stateUnlocked
	l.release()
	l.ns.s.released.Add(1)
	metrics.LockReleaseTotal.WithLabelValues(l.ns.resource).Inc()

	key := l.key
	if _, err := l.ns.client.DeleteRange(ctx, &kv.DeleteRangeRequest{Key: key}); err != nil {
		l.deleteInBackground(key, nil)
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	l.log.V(1).Info("Lock released.", "key", key)
	return nil
}

// Destroy gives up a held lock: WatchDestroy's channel is closed, the record
// is deleted in the background and the handle can never lock again. It is a
// no-op unless the handle is locked.
func (l *Lock) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyLocked()
}

func (l *Lock) destroyLocked() {
	if l.state != stateLocked {
		return
	}
	l.state = stateDestroyed
	l.count = 0
	close(l.destroyed)
	l.release()
	l.ns.s.destroyed.Add(1)
	metrics.LockDestroyedTotal.WithLabelValues(l.ns.resource).Inc()

	var after func()
	if l.onReset != nil {
		after = func() { l.onReset(l) }
	}
	l.deleteInBackground(l.key, after)
}

// leaves the locked state: stops the self watch and forgets the handle
func (l *Lock) release() {
	if l.stopWatch != nil {
		l.stopWatch()
		l.stopWatch = nil
	}
	l.ns.held.Delete(l.key)
	l.ns.s.held(l.heldSince)
	metrics.LocksHeld.Dec()
}

// deletes key until it succeeds or the namespace closes, then runs after.
// Once the namespace is closing the records go with Close's lease range
// delete and after is left to Close.
func (l *Lock) deleteInBackground(key string, after func()) {
	ctx := l.ns.ctx
	started := l.ns.goroutine(func() {
		backoff := minWatchBackoff
		for {
			reqCtx, cancel := context.WithTimeout(ctx, l.ns.requestTimeout)
			_, err := l.ns.client.DeleteRange(reqCtx, &kv.DeleteRangeRequest{Key: key})
			cancel()
			if err == nil {
				if after != nil {
					after()
				}
				return
			}
			if ctx.Err() != nil {
				l.ns.afterClose(after)
				return
			}
			l.log.Error(err, "Failed to delete lock record, retrying.", "key", key, "retryIn", backoff)
			backoff = l.backoff(ctx, backoff)
		}
	})
	if !started {
		l.ns.afterClose(after)
	}
}

// WatchDestroy returns a channel that is closed when the lock is destroyed.
// It fails with ErrNotLocked unless the handle is locked or destroyed.
func (l *Lock) WatchDestroy() (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateUnlocked {
		return nil, ErrNotLocked
	}
	return l.destroyed, nil
}

// ID is the contender id of the current or last attempt.
func (l *Lock) ID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// Key is the record key of the current or last attempt.
func (l *Lock) Key() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

func (l *Lock) Value() []byte {
	return append([]byte(nil), l.value...)
}

// Revision is the mod revision of the record that won the lock.
func (l *Lock) Revision() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revision
}

// Count is the reentry depth, zero when not locked.
func (l *Lock) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Lock) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateDestroyed
}

func (l *Lock) spanAttributes(extra ...attribute.KeyValue) trace.SpanStartOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("fairlock.resource", l.ns.resource),
	}, extra...)
	return trace.WithAttributes(attrs...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
