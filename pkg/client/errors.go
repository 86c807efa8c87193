package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts gRPC status errors back to domain errors
func fromGRPCError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()

	switch st.Code() {
	case codes.Unavailable:
		if strings.HasPrefix(msg, types.ErrNotLeader.Error()) {
			return fmt.Errorf("%w: %s", types.ErrNotLeader, msg)
		}
		return fmt.Errorf("%w: %s", kv.ErrUnavailable, msg)

	case codes.NotFound:
		return types.ErrLeaseNotFound

	case codes.FailedPrecondition:
		return types.ErrLeaseExpired

	case codes.InvalidArgument:
		if msg == types.ErrKeyRequired.Error() {
			return types.ErrKeyRequired
		}
		return types.ErrInvalidLeaseTTL

	case codes.OutOfRange:
		return types.ErrCompacted

	case codes.Canceled:
		return context.Canceled

	case codes.DeadlineExceeded:
		return context.DeadlineExceeded

	default:
		return fmt.Errorf("kv: %s: %s", st.Code(), msg)
	}
}
