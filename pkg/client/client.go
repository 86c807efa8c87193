package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	pb "github.com/pixperk/fairlock/api/v1"
	"github.com/pixperk/fairlock/pkg/kv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a kv.Client talking to fairlock nodes over gRPC.
// Calls go to one endpoint at a time; a retryable failure moves later calls
// to the next endpoint, so a client pointed at every node finds the leader.
type Client struct {
	endpoints []string
	conns     []*grpc.ClientConn
	kvs       []*pb.KVClient
	current   atomic.Int32
	log       logr.Logger
}

var _ kv.Client = (*Client)(nil)

type options struct {
	dialOpts []grpc.DialOption
	log      logr.Logger
}

type Option func(*options)

// extra dial options, appended after insecure transport credentials
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.log = l }
}

func NewClient(endpoints []string, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}

	o := options{log: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.dialOpts...)

	c := &Client{
		endpoints: endpoints,
		log:       o.log,
	}
	for _, addr := range endpoints {
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		c.conns = append(c.conns, conn)
		c.kvs = append(c.kvs, pb.NewKVClient(conn))
	}

	return c, nil
}

// the endpoint the next call goes to
func (c *Client) Endpoint() string {
	return c.endpoints[c.current.Load()]
}

func call[Resp any](ctx context.Context, c *Client, fn func(context.Context, *pb.KVClient) (*Resp, error)) (*Resp, error) {
	idx := c.current.Load()
	resp, err := fn(ctx, c.kvs[idx])
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	err = fromGRPCError(err)
	if kv.IsRetryable(err) && len(c.kvs) > 1 {
		next := (idx + 1) % int32(len(c.kvs))
		if c.current.CompareAndSwap(idx, next) {
			c.log.V(1).Info("switching endpoint", "from", c.endpoints[idx], "to", c.endpoints[next], "error", err.Error())
		}
	}
	return nil, err
}

func (c *Client) LeaseGrant(ctx context.Context, req *kv.LeaseGrantRequest) (*kv.LeaseGrantResponse, error) {
	return call(ctx, c, func(ctx context.Context, k *pb.KVClient) (*kv.LeaseGrantResponse, error) {
		return k.LeaseGrant(ctx, req)
	})
}

func (c *Client) LeaseRenew(ctx context.Context, req *kv.LeaseRenewRequest) (*kv.LeaseRenewResponse, error) {
	return call(ctx, c, func(ctx context.Context, k *pb.KVClient) (*kv.LeaseRenewResponse, error) {
		return k.LeaseRenew(ctx, req)
	})
}

func (c *Client) LeaseRevoke(ctx context.Context, req *kv.LeaseRevokeRequest) (*kv.LeaseRevokeResponse, error) {
	return call(ctx, c, func(ctx context.Context, k *pb.KVClient) (*kv.LeaseRevokeResponse, error) {
		return k.LeaseRevoke(ctx, req)
	})
}

func (c *Client) Put(ctx context.Context, req *kv.PutRequest) (*kv.PutResponse, error) {
	return call(ctx, c, func(ctx context.Context, k *pb.KVClient) (*kv.PutResponse, error) {
		return k.Put(ctx, req)
	})
}

func (c *Client) Range(ctx context.Context, req *kv.RangeRequest) (*kv.RangeResponse, error) {
	return call(ctx, c, func(ctx context.Context, k *pb.KVClient) (*kv.RangeResponse, error) {
		return k.Range(ctx, req)
	})
}

func (c *Client) DeleteRange(ctx context.Context, req *kv.DeleteRangeRequest) (*kv.DeleteRangeResponse, error) {
	return call(ctx, c, func(ctx context.Context, k *pb.KVClient) (*kv.DeleteRangeResponse, error) {
		return k.DeleteRange(ctx, req)
	})
}

func (c *Client) Watch(ctx context.Context, req *kv.WatchRequest) (*kv.WatchResponse, error) {
	return call(ctx, c, func(ctx context.Context, k *pb.KVClient) (*kv.WatchResponse, error) {
		return k.Watch(ctx, req)
	})
}

func (c *Client) Status(ctx context.Context) (*pb.StatusResponse, error) {
	return call(ctx, c, func(ctx context.Context, k *pb.KVClient) (*pb.StatusResponse, error) {
		return k.Status(ctx, &pb.StatusRequest{})
	})
}

func (c *Client) Close() error {
	var errs []error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
