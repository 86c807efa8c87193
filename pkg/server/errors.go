package server

import (
	"context"
	"errors"

	"github.com/pixperk/fairlock/pkg/raft"
	"github.com/pixperk/fairlock/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts domain errors to gRPC status errors
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	var nle *raft.NotLeaderError
	switch {
	case errors.As(err, &nle):
		return notLeaderError(nle.Leader)

	case errors.Is(err, types.ErrNotLeader):
		return notLeaderError("")

	case errors.Is(err, types.ErrLeaseNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, types.ErrLeaseExpired):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, types.ErrInvalidLeaseTTL), errors.Is(err, types.ErrKeyRequired):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, types.ErrCompacted):
		return status.Error(codes.OutOfRange, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// returns a not leader error with the given leader address
// includes the current leader address in the error message
func notLeaderError(leaderAddr string) error {
	if leaderAddr == "" {
		return status.Error(codes.Unavailable, types.ErrNotLeader.Error())
	}
	return status.Errorf(codes.Unavailable, "%s, leader is at: %s", types.ErrNotLeader, leaderAddr)
}
