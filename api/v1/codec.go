package v1

import (
	"fmt"

	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/types"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec is the content-subtype the KV service speaks.
// clients select it with grpc.CallContentSubtype(Codec)
const Codec = "fairlock-proto"

// the messages are encoded as protobuf, field by field with protowire:
//
//	message ResponseHeader { int64 revision = 1; }
//	message KeyValue {
//	  bytes key = 1; int64 create_revision = 2; int64 mod_revision = 3;
//	  int64 version = 4; bytes value = 5; int64 lease = 6;
//	}
//	message Event { int32 type = 1; KeyValue kv = 2; int64 revision = 3; }
//
//	message LeaseGrantRequest   { int64 ttl = 1; int64 id = 2; }
//	message LeaseGrantResponse  { ResponseHeader header = 1; int64 id = 2; int64 ttl = 3; }
//	message LeaseRenewRequest   { int64 id = 1; }
//	message LeaseRenewResponse  { ResponseHeader header = 1; int64 id = 2; int64 ttl = 3; }
//	message LeaseRevokeRequest  { int64 id = 1; }
//	message LeaseRevokeResponse { ResponseHeader header = 1; }
//	message PutRequest          { bytes key = 1; bytes value = 2; int64 lease = 3; bool ignore_value = 5; }
//	message PutResponse         { ResponseHeader header = 1; }
//	message RangeRequest        { bytes key = 1; bytes range_end = 2; }
//	message RangeResponse       { ResponseHeader header = 1; repeated KeyValue kvs = 2; }
//	message DeleteRangeRequest  { bytes key = 1; bytes range_end = 2; }
//	message DeleteRangeResponse { ResponseHeader header = 1; int64 deleted = 2; }
//	message WatchRequest        { bytes key = 1; int64 start_revision = 2; }
//	message WatchResponse       { ResponseHeader header = 1; repeated Event events = 2; }
//	message StatusRequest       {}
//	message StatusResponse {
//	  string node_id = 1; string state = 2; bool is_leader = 3; string leader = 4;
//	  int64 cluster_size = 5; int64 revision = 6; int64 keys = 7; int64 leases = 8;
//	  int64 watchers = 9;
//	}
type protoCodec struct{}

func (protoCodec) Name() string {
	return Codec
}

func (protoCodec) Marshal(v any) ([]byte, error) {
	var e encoder
	switch m := v.(type) {
	case *kv.LeaseGrantRequest:
		e.int(1, m.TTL)
		e.int(2, m.ID)
	case *kv.LeaseGrantResponse:
		e.header(m.Header)
		e.int(2, m.ID)
		e.int(3, m.TTL)
	case *kv.LeaseRenewRequest:
		e.int(1, m.ID)
	case *kv.LeaseRenewResponse:
		e.header(m.Header)
		e.int(2, m.ID)
		e.int(3, m.TTL)
	case *kv.LeaseRevokeRequest:
		e.int(1, m.ID)
	case *kv.LeaseRevokeResponse:
		e.header(m.Header)
	case *kv.PutRequest:
		e.string(1, m.Key)
		e.bytes(2, m.Value)
		e.int(3, m.Lease)
		e.bool(5, m.IgnoreValue)
	case *kv.PutResponse:
		e.header(m.Header)
	case *kv.RangeRequest:
		e.string(1, m.Key)
		e.string(2, m.RangeEnd)
	case *kv.RangeResponse:
		e.header(m.Header)
		for _, rec := range m.Kvs {
			e.message(2, appendKeyValue(nil, rec))
		}
	case *kv.DeleteRangeRequest:
		e.string(1, m.Key)
		e.string(2, m.RangeEnd)
	case *kv.DeleteRangeResponse:
		e.header(m.Header)
		e.int(2, m.Deleted)
	case *kv.WatchRequest:
		e.string(1, m.Key)
		e.int(2, m.StartRevision)
	case *kv.WatchResponse:
		e.header(m.Header)
		for _, ev := range m.Events {
			var ee encoder
			ee.int(1, int64(ev.Type))
			if ev.Kv != nil {
				ee.message(2, appendKeyValue(nil, ev.Kv))
			}
			ee.int(3, ev.Revision)
			e.message(2, ee)
		}
	case *StatusRequest:
	case *StatusResponse:
		e.string(1, m.NodeID)
		e.string(2, m.State)
		e.bool(3, m.IsLeader)
		e.string(4, m.Leader)
		e.int(5, int64(m.ClusterSize))
		e.int(6, m.Revision)
		e.int(7, int64(m.Keys))
		e.int(8, int64(m.Leases))
		e.int(9, int64(m.Watchers))
	default:
		return nil, fmt.Errorf("marshal: unsupported message %T", v)
	}
	return e, nil
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *kv.LeaseGrantRequest:
		*m = kv.LeaseGrantRequest{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				m.TTL = f.int()
			case 2:
				m.ID = f.int()
			}
			return nil
		})
	case *kv.LeaseGrantResponse:
		*m = kv.LeaseGrantResponse{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				return parseHeader(f.b, &m.Header)
			case 2:
				m.ID = f.int()
			case 3:
				m.TTL = f.int()
			}
			return nil
		})
	case *kv.LeaseRenewRequest:
		*m = kv.LeaseRenewRequest{}
		return walk(data, func(f field) error {
			if f.num == 1 {
				m.ID = f.int()
			}
			return nil
		})
	case *kv.LeaseRenewResponse:
		*m = kv.LeaseRenewResponse{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				return parseHeader(f.b, &m.Header)
			case 2:
				m.ID = f.int()
			case 3:
				m.TTL = f.int()
			}
			return nil
		})
	case *kv.LeaseRevokeRequest:
		*m = kv.LeaseRevokeRequest{}
		return walk(data, func(f field) error {
			if f.num == 1 {
				m.ID = f.int()
			}
			return nil
		})
	case *kv.LeaseRevokeResponse:
		*m = kv.LeaseRevokeResponse{}
		return walk(data, headerOnly(&m.Header))
	case *kv.PutRequest:
		*m = kv.PutRequest{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				m.Key = string(f.b)
			case 2:
				m.Value = f.bytes()
			case 3:
				m.Lease = f.int()
			case 5:
				m.IgnoreValue = protowire.DecodeBool(f.v)
			}
			return nil
		})
	case *kv.PutResponse:
		*m = kv.PutResponse{}
		return walk(data, headerOnly(&m.Header))
	case *kv.RangeRequest:
		*m = kv.RangeRequest{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				m.Key = string(f.b)
			case 2:
				m.RangeEnd = string(f.b)
			}
			return nil
		})
	case *kv.RangeResponse:
		*m = kv.RangeResponse{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				return parseHeader(f.b, &m.Header)
			case 2:
				rec := &types.KeyValue{}
				if err := parseKeyValue(f.b, rec); err != nil {
					return err
				}
				m.Kvs = append(m.Kvs, rec)
			}
			return nil
		})
	case *kv.DeleteRangeRequest:
		*m = kv.DeleteRangeRequest{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				m.Key = string(f.b)
			case 2:
				m.RangeEnd = string(f.b)
			}
			return nil
		})
	case *kv.DeleteRangeResponse:
		*m = kv.DeleteRangeResponse{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				return parseHeader(f.b, &m.Header)
			case 2:
				m.Deleted = f.int()
			}
			return nil
		})
	case *kv.WatchRequest:
		*m = kv.WatchRequest{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				m.Key = string(f.b)
			case 2:
				m.StartRevision = f.int()
			}
			return nil
		})
	case *kv.WatchResponse:
		*m = kv.WatchResponse{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				return parseHeader(f.b, &m.Header)
			case 2:
				ev, err := parseEvent(f.b)
				if err != nil {
					return err
				}
				m.Events = append(m.Events, ev)
			}
			return nil
		})
	case *StatusRequest:
		return walk(data, func(field) error { return nil })
	case *StatusResponse:
		*m = StatusResponse{}
		return walk(data, func(f field) error {
			switch f.num {
			case 1:
				m.NodeID = string(f.b)
			case 2:
				m.State = string(f.b)
			case 3:
				m.IsLeader = protowire.DecodeBool(f.v)
			case 4:
				m.Leader = string(f.b)
			case 5:
				m.ClusterSize = int(f.int())
			case 6:
				m.Revision = f.int()
			case 7:
				m.Keys = int(f.int())
			case 8:
				m.Leases = int(f.int())
			case 9:
				m.Watchers = int(f.int())
			}
			return nil
		})
	default:
		return fmt.Errorf("unmarshal: unsupported message %T", v)
	}
}

// zero values are left out, as proto3 does
type encoder []byte

func (e *encoder) int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.VarintType)
	*e = protowire.AppendVarint(*e, uint64(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.VarintType)
	*e = protowire.AppendVarint(*e, protowire.EncodeBool(true))
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendString(*e, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, v)
}

// embedded messages are written even when empty so repeated entries keep
// their position
func (e *encoder) message(num protowire.Number, v []byte) {
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, v)
}

func (e *encoder) header(h kv.ResponseHeader) {
	var he encoder
	he.int(1, h.Revision)
	e.message(1, he)
}

func appendKeyValue(b []byte, rec *types.KeyValue) []byte {
	e := encoder(b)
	e.string(1, rec.Key)
	e.int(2, rec.CreateRevision)
	e.int(3, rec.ModRevision)
	e.int(4, rec.Version)
	e.bytes(5, rec.Value)
	e.int(6, rec.Lease)
	return e
}

// one varint or length-delimited field; b aliases the input
type field struct {
	num protowire.Number
	v   uint64
	b   []byte
}

func (f field) int() int64 {
	return int64(f.v)
}

func (f field) bytes() []byte {
	if len(f.b) == 0 {
		return nil
	}
	return append([]byte(nil), f.b...)
}

// hands every varint and length-delimited field to fn, skipping the other
// wire types
func walk(data []byte, fn func(field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func headerOnly(h *kv.ResponseHeader) func(field) error {
	return func(f field) error {
		if f.num == 1 {
			return parseHeader(f.b, h)
		}
		return nil
	}
}

func parseHeader(data []byte, h *kv.ResponseHeader) error {
	return walk(data, func(f field) error {
		if f.num == 1 {
			h.Revision = f.int()
		}
		return nil
	})
}

func parseKeyValue(data []byte, rec *types.KeyValue) error {
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			rec.Key = string(f.b)
		case 2:
			rec.CreateRevision = f.int()
		case 3:
			rec.ModRevision = f.int()
		case 4:
			rec.Version = f.int()
		case 5:
			rec.Value = f.bytes()
		case 6:
			rec.Lease = f.int()
		}
		return nil
	})
}

func parseEvent(data []byte) (types.Event, error) {
	var ev types.Event
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			ev.Type = types.EventType(f.int())
		case 2:
			ev.Kv = &types.KeyValue{}
			return parseKeyValue(f.b, ev.Kv)
		case 3:
			ev.Revision = f.int()
		}
		return nil
	})
	return ev, err
}

func init() {
	encoding.RegisterCodec(protoCodec{})
}
