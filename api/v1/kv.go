// Package v1 describes the fairlock.v1.KV gRPC service.
//
// Messages are the plain request and response structs of package kv,
// carried as protobuf by the codec registered in this package.
package v1

import (
	"context"

	"github.com/pixperk/fairlock/pkg/kv"
	"google.golang.org/grpc"
)

const ServiceName = "fairlock.v1.KV"

// full method names, as seen by interceptors
const (
	MethodLeaseGrant  = "/" + ServiceName + "/LeaseGrant"
	MethodLeaseRenew  = "/" + ServiceName + "/LeaseRenew"
	MethodLeaseRevoke = "/" + ServiceName + "/LeaseRevoke"
	MethodPut         = "/" + ServiceName + "/Put"
	MethodRange       = "/" + ServiceName + "/Range"
	MethodDeleteRange = "/" + ServiceName + "/DeleteRange"
	MethodWatch       = "/" + ServiceName + "/Watch"
	MethodStatus      = "/" + ServiceName + "/Status"
)

type StatusRequest struct{}

// StatusResponse describes the node serving the request.
// Raft fields are empty for a standalone store.
type StatusResponse struct {
	NodeID      string `json:"node_id,omitempty"`
	State       string `json:"state,omitempty"`
	IsLeader    bool   `json:"is_leader"`
	Leader      string `json:"leader,omitempty"`
	ClusterSize int    `json:"cluster_size"`
	Revision    int64  `json:"revision"`
	Keys        int    `json:"keys"`
	Leases      int    `json:"leases"`
	Watchers    int    `json:"watchers"`
}

// KVServer is the server API for the KV service.
type KVServer interface {
	kv.Client
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}

func RegisterKVServer(s grpc.ServiceRegistrar, srv KVServer) {
	s.RegisterService(&KV_ServiceDesc, srv)
}

// KV_ServiceDesc is the grpc.ServiceDesc for the KV service.
var KV_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("LeaseGrant", MethodLeaseGrant, KVServer.LeaseGrant),
		unary("LeaseRenew", MethodLeaseRenew, KVServer.LeaseRenew),
		unary("LeaseRevoke", MethodLeaseRevoke, KVServer.LeaseRevoke),
		unary("Put", MethodPut, KVServer.Put),
		unary("Range", MethodRange, KVServer.Range),
		unary("DeleteRange", MethodDeleteRange, KVServer.DeleteRange),
		unary("Watch", MethodWatch, KVServer.Watch),
		unary("Status", MethodStatus, KVServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fairlock/v1/kv",
}

func unary[Req, Resp any](name, fullMethod string, call func(KVServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(KVServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(KVServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// KVClient is the client API for the KV service.
type KVClient struct {
	cc grpc.ClientConnInterface
}

func NewKVClient(cc grpc.ClientConnInterface) *KVClient {
	return &KVClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Codec)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *KVClient) LeaseGrant(ctx context.Context, in *kv.LeaseGrantRequest, opts ...grpc.CallOption) (*kv.LeaseGrantResponse, error) {
	return invoke[kv.LeaseGrantResponse](ctx, c.cc, MethodLeaseGrant, in, opts)
}

func (c *KVClient) LeaseRenew(ctx context.Context, in *kv.LeaseRenewRequest, opts ...grpc.CallOption) (*kv.LeaseRenewResponse, error) {
	return invoke[kv.LeaseRenewResponse](ctx, c.cc, MethodLeaseRenew, in, opts)
}

func (c *KVClient) LeaseRevoke(ctx context.Context, in *kv.LeaseRevokeRequest, opts ...grpc.CallOption) (*kv.LeaseRevokeResponse, error) {
	return invoke[kv.LeaseRevokeResponse](ctx, c.cc, MethodLeaseRevoke, in, opts)
}

func (c *KVClient) Put(ctx context.Context, in *kv.PutRequest, opts ...grpc.CallOption) (*kv.PutResponse, error) {
	return invoke[kv.PutResponse](ctx, c.cc, MethodPut, in, opts)
}

func (c *KVClient) Range(ctx context.Context, in *kv.RangeRequest, opts ...grpc.CallOption) (*kv.RangeResponse, error) {
	return invoke[kv.RangeResponse](ctx, c.cc, MethodRange, in, opts)
}

func (c *KVClient) DeleteRange(ctx context.Context, in *kv.DeleteRangeRequest, opts ...grpc.CallOption) (*kv.DeleteRangeResponse, error) {
	return invoke[kv.DeleteRangeResponse](ctx, c.cc, MethodDeleteRange, in, opts)
}

func (c *KVClient) Watch(ctx context.Context, in *kv.WatchRequest, opts ...grpc.CallOption) (*kv.WatchResponse, error) {
	return invoke[kv.WatchResponse](ctx, c.cc, MethodWatch, in, opts)
}

func (c *KVClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, MethodStatus, in, opts)
}
