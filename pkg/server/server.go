package server

import (
	"context"
	"strings"
	"time"

	pb "github.com/pixperk/fairlock/api/v1"
	"github.com/pixperk/fairlock/pkg/fsm"
	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/metrics"
	"github.com/pixperk/fairlock/pkg/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type Server struct {
	backend kv.Client
}

var _ pb.KVServer = (*Server)(nil)

// wraps a store backend (raft node or memory store) into a gRPC server
func NewServer(backend kv.Client) *Server {
	return &Server{
		backend: backend,
	}
}

// Register creates a grpc.Server serving the KV service.
func (s *Server) Register(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(observe)}, opts...)
	srv := grpc.NewServer(opts...)
	pb.RegisterKVServer(srv, s)
	return srv
}

// records request count by status code and latency
func observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := strings.TrimPrefix(info.FullMethod, "/"+pb.ServiceName+"/")
	start := time.Now()

	resp, err := handler(ctx, req)

	if info.FullMethod != pb.MethodWatch {
		metrics.KVRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	metrics.KVRequestTotal.WithLabelValues(method, status.Code(err).String()).Inc()
	return resp, err
}

func (s *Server) LeaseGrant(ctx context.Context, req *kv.LeaseGrantRequest) (*kv.LeaseGrantResponse, error) {
	resp, err := s.backend.LeaseGrant(ctx, req)
	return resp, toGRPCError(err)
}

func (s *Server) LeaseRenew(ctx context.Context, req *kv.LeaseRenewRequest) (*kv.LeaseRenewResponse, error) {
	resp, err := s.backend.LeaseRenew(ctx, req)
	return resp, toGRPCError(err)
}

func (s *Server) LeaseRevoke(ctx context.Context, req *kv.LeaseRevokeRequest) (*kv.LeaseRevokeResponse, error) {
	resp, err := s.backend.LeaseRevoke(ctx, req)
	return resp, toGRPCError(err)
}

func (s *Server) Put(ctx context.Context, req *kv.PutRequest) (*kv.PutResponse, error) {
	resp, err := s.backend.Put(ctx, req)
	return resp, toGRPCError(err)
}

func (s *Server) Range(ctx context.Context, req *kv.RangeRequest) (*kv.RangeResponse, error) {
	resp, err := s.backend.Range(ctx, req)
	return resp, toGRPCError(err)
}

func (s *Server) DeleteRange(ctx context.Context, req *kv.DeleteRangeRequest) (*kv.DeleteRangeResponse, error) {
	resp, err := s.backend.DeleteRange(ctx, req)
	return resp, toGRPCError(err)
}

func (s *Server) Watch(ctx context.Context, req *kv.WatchRequest) (*kv.WatchResponse, error) {
	resp, err := s.backend.Watch(ctx, req)
	return resp, toGRPCError(err)
}

func (s *Server) Status(ctx context.Context, req *pb.StatusRequest) (*pb.StatusResponse, error) {
	switch b := s.backend.(type) {
	case *raft.Node:
		st := b.Status()
		resp := fromStats(st.Store)
		resp.NodeID = st.NodeID
		resp.State = st.State
		resp.IsLeader = st.IsLeader
		resp.Leader = st.Leader
		resp.ClusterSize = st.ClusterSize
		return resp, nil

	case interface{ FSM() *fsm.FSM }:
		//a standalone store is its own leader
		resp := fromStats(b.FSM().Stats())
		resp.IsLeader = true
		resp.ClusterSize = 1
		return resp, nil

	default:
		return &pb.StatusResponse{}, nil
	}
}

func fromStats(st fsm.Stats) *pb.StatusResponse {
	return &pb.StatusResponse{
		Revision: st.Revision,
		Keys:     st.Keys,
		Leases:   st.Leases,
		Watchers: st.Watchers,
	}
}
