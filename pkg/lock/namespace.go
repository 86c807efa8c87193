package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/types"
	"github.com/puzpuzpuz/xsync/v3"
)

// Namespace scopes one resource name to a key range and creates the lock
// handles contending for it.
type Namespace struct {
	session        *Session
	client         kv.Client
	resource       string
	rng            kv.KeyRange
	log            logr.Logger
	retryDelay     time.Duration
	requestTimeout time.Duration
	s              stats

	held *xsync.MapOf[string, *Lock] // record key -> handle holding the lock

	ctx       context.Context
	cancel    context.CancelCauseFunc
	mu        sync.Mutex // guards closed, onClose and wg.Add
	closed    bool
	onClose   []func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewNamespace(session *Session, resource string, opts ...NamespaceOption) (*Namespace, error) {
	if resource == "" {
		return nil, errors.New("resource name is required")
	}

	n := &Namespace{
		session:        session,
		client:         session.client,
		resource:       resource,
		rng:            kv.ResourceRange(resource),
		log:            logr.Discard(),
		retryDelay:     DefaultRetryDelay,
		requestTimeout: DefaultRequestTimeout,
		held:           xsync.NewMapOf[string, *Lock](),
	}
	for _, o := range opts {
		o(n)
	}
	n.log = n.log.WithValues("resource", resource)
	n.ctx, n.cancel = context.WithCancelCause(context.Background())
	return n, nil
}

func (n *Namespace) Resource() string {
	return n.resource
}

// NewLock returns an unlocked handle carrying value. It waits until the
// session holds a lease.
func (n *Namespace) NewLock(ctx context.Context, value []byte, opts ...LockOption) (*Lock, error) {
	if n.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if _, err := n.session.LeaseCtx(ctx); err != nil {
		return nil, fmt.Errorf("wait for lease: %w", err)
	}

	l := &Lock{
		ns:    n,
		value: append([]byte(nil), value...),
		log:   n.log,
	}
	for _, o := range opts {
		o(l)
	}
	l.newAttempt()

	n.log.V(1).Info("Created lock.", "key", l.key)
	return l, nil
}

// Contenders lists the live records of the resource, oldest first.
func (n *Namespace) Contenders(ctx context.Context) ([]*types.KeyValue, error) {
	kvs, _, err := n.contenders(ctx)
	return kvs, err
}

// also returns the store revision the listing was taken at
func (n *Namespace) contenders(ctx context.Context) ([]*types.KeyValue, int64, error) {
	resp, err := n.client.Range(ctx, &kv.RangeRequest{Key: n.rng.Begin, RangeEnd: n.rng.End})
	if err != nil {
		return nil, 0, fmt.Errorf("range %s: %w", n.resource, err)
	}
	kvs := resp.Kvs
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].ModRevision < kvs[j].ModRevision })
	return kvs, resp.Header.Revision, nil
}

// Held is the number of handles of this namespace holding the lock.
func (n *Namespace) Held() int {
	return n.held.Size()
}

// Stats returns a snapshot of the lock statistics of this namespace.
func (n *Namespace) Stats() Stats {
	return n.s.snapshot(n.held.Size())
}

// Close deletes every record this session wrote under the resource and
// destroys the handles still holding the lock, running their reset
// callbacks before it returns. Cleanup is best effort: store errors are
// logged, lease expiry removes whatever is left.
func (n *Namespace) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()
		n.cancel(ErrClosed)

		if lease := n.session.current(); lease != 0 {
			r := kv.LeaseRange(n.resource, lease)
			if _, err := n.client.DeleteRange(ctx, &kv.DeleteRangeRequest{Key: r.Begin, RangeEnd: r.End}); err != nil {
				n.log.Error(err, "Failed to delete session records.", "lease", lease)
			}
		}

		n.held.Range(func(_ string, l *Lock) bool {
			l.Destroy()
			return true
		})
		n.wg.Wait()

		n.mu.Lock()
		pending := n.onClose
		n.onClose = nil
		n.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
	})
	return nil
}

// queues fn for the end of Close, whose lease range delete takes over the
// records of a closing namespace
func (n *Namespace) afterClose(fn func()) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onClose = append(n.onClose, fn)
}

// runs fn in a goroutine Close waits for; false once the namespace closed
func (n *Namespace) goroutine(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

// derives a context that is also cancelled, with cause ErrClosed, when the
// namespace closes
func (n *Namespace) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(n.ctx, func() { cancel(ErrClosed) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// detached context for cleanup requests
func (n *Namespace) cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), n.requestTimeout)
}

func (n *Namespace) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
