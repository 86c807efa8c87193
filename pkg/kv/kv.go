// Package kv is the contract between the lock client and the revisioned
// key-value store it runs on: leases, puts, range scans, range deletes and
// one-shot watches.
package kv

import (
	"context"

	"github.com/pixperk/fairlock/pkg/types"
)

// Client is implemented by every store backend: the in-process memory store,
// a raft node, and the gRPC client that reaches a remote node.
type Client interface {
	LeaseGrant(ctx context.Context, req *LeaseGrantRequest) (*LeaseGrantResponse, error)
	LeaseRenew(ctx context.Context, req *LeaseRenewRequest) (*LeaseRenewResponse, error)
	LeaseRevoke(ctx context.Context, req *LeaseRevokeRequest) (*LeaseRevokeResponse, error)
	Put(ctx context.Context, req *PutRequest) (*PutResponse, error)
	Range(ctx context.Context, req *RangeRequest) (*RangeResponse, error)
	DeleteRange(ctx context.Context, req *DeleteRangeRequest) (*DeleteRangeResponse, error)
	// Watch blocks until the first event on req.Key with a revision greater
	// than req.StartRevision, then returns it.
	Watch(ctx context.Context, req *WatchRequest) (*WatchResponse, error)
}

// ResponseHeader carries the store revision at the time the request was served.
type ResponseHeader struct {
	Revision int64 `json:"revision"`
}

type LeaseGrantRequest struct {
	ID  int64 `json:"id"`
	TTL int64 `json:"ttl"` // seconds
}

type LeaseGrantResponse struct {
	Header ResponseHeader `json:"header"`
	ID     int64          `json:"id"`
	TTL    int64          `json:"ttl"`
}

type LeaseRenewRequest struct {
	ID int64 `json:"id"`
}

type LeaseRenewResponse struct {
	Header ResponseHeader `json:"header"`
	ID     int64          `json:"id"`
	TTL    int64          `json:"ttl"`
}

type LeaseRevokeRequest struct {
	ID int64 `json:"id"`
}

type LeaseRevokeResponse struct {
	Header ResponseHeader `json:"header"`
}

type PutRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	Lease int64  `json:"lease,omitempty"`
	// IgnoreValue keeps the current value of an existing key.
	IgnoreValue bool `json:"ignore_value,omitempty"`
}

// PutResponse.Header.Revision is the ModRevision assigned to the key.
type PutResponse struct {
	Header ResponseHeader `json:"header"`
}

// RangeRequest selects Key alone, or [Key, RangeEnd) when RangeEnd is set.
type RangeRequest struct {
	Key      string `json:"key"`
	RangeEnd string `json:"range_end,omitempty"`
}

type RangeResponse struct {
	Header ResponseHeader    `json:"header"`
	Kvs    []*types.KeyValue `json:"kvs"`
}

type DeleteRangeRequest struct {
	Key      string `json:"key"`
	RangeEnd string `json:"range_end,omitempty"`
}

type DeleteRangeResponse struct {
	Header  ResponseHeader `json:"header"`
	Deleted int64          `json:"deleted"`
}

type WatchRequest struct {
	Key           string `json:"key"`
	StartRevision int64  `json:"start_revision"`
}

type WatchResponse struct {
	Header ResponseHeader `json:"header"`
	Events []types.Event  `json:"events"`
}
