package types

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// commands travel through the raft log as a single flat protobuf message:
//
//	message Command {
//	  uint64 type         = 1;
//	  bytes  key          = 2;
//	  bytes  value        = 3;
//	  bytes  range_end    = 4;
//	  int64  id           = 5; // lease id (put lease, grant/renew/revoke/expire id)
//	  bool   ignore_value = 6;
//	  int64  ttl_nanos    = 7;
//	}
const (
	fieldType        protowire.Number = 1
	fieldKey         protowire.Number = 2
	fieldValue       protowire.Number = 3
	fieldRangeEnd    protowire.Number = 4
	fieldID          protowire.Number = 5
	fieldIgnoreValue protowire.Number = 6
	fieldTTL         protowire.Number = 7
)

// flat view of every command field
type wireCommand struct {
	typ         CommandType
	key         string
	value       []byte
	rangeEnd    string
	id          int64
	ignoreValue bool
	ttl         time.Duration
}

// serializes a command for the raft log
func MarshalCommand(cmd Command) ([]byte, error) {
	var w wireCommand

	switch c := cmd.(type) {
	case PutCmd:
		w = wireCommand{key: c.Key, value: c.Value, id: c.Lease, ignoreValue: c.IgnoreValue}
	case DeleteRangeCmd:
		w = wireCommand{key: c.Key, rangeEnd: c.RangeEnd}
	case GrantLeaseCmd:
		w = wireCommand{id: c.ID, ttl: c.TTL}
	case RenewLeaseCmd:
		w = wireCommand{id: c.ID}
	case RevokeLeaseCmd:
		w = wireCommand{id: c.ID}
	case ExpireLeaseCmd:
		w = wireCommand{id: c.ID}
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
	w.typ = cmd.Type()

	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.typ))
	if w.key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, w.key)
	}
	if w.value != nil {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, w.value)
	}
	if w.rangeEnd != "" {
		b = protowire.AppendTag(b, fieldRangeEnd, protowire.BytesType)
		b = protowire.AppendString(b, w.rangeEnd)
	}
	if w.id != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(w.id))
	}
	if w.ignoreValue {
		b = protowire.AppendTag(b, fieldIgnoreValue, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if w.ttl != 0 {
		b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(w.ttl))
	}
	return b, nil
}

// parses a command written by MarshalCommand
func UnmarshalCommand(data []byte) (Command, error) {
	var w wireCommand

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decode command tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("decode command field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case fieldType:
				w.typ = CommandType(v)
			case fieldID:
				w.id = int64(v)
			case fieldIgnoreValue:
				w.ignoreValue = protowire.DecodeBool(v)
			case fieldTTL:
				w.ttl = time.Duration(v)
			}
			n = m
		case typ == protowire.BytesType && isBytesField(num):
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("decode command field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case fieldKey:
				w.key = string(v)
			case fieldValue:
				w.value = append([]byte{}, v...)
			case fieldRangeEnd:
				w.rangeEnd = string(v)
			}
			n = m
		default:
			//unknown or mistyped field, skip it
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skip command field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}

	switch w.typ {
	case CommandTypePut:
		return PutCmd{Key: w.key, Value: w.value, Lease: w.id, IgnoreValue: w.ignoreValue}, nil
	case CommandTypeDeleteRange:
		return DeleteRangeCmd{Key: w.key, RangeEnd: w.rangeEnd}, nil
	case CommandTypeGrantLease:
		return GrantLeaseCmd{ID: w.id, TTL: w.ttl}, nil
	case CommandTypeRenewLease:
		return RenewLeaseCmd{ID: w.id}, nil
	case CommandTypeRevokeLease:
		return RevokeLeaseCmd{ID: w.id}, nil
	case CommandTypeExpireLease:
		return ExpireLeaseCmd{ID: w.id}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", w.typ)
	}
}

func isVarintField(num protowire.Number) bool {
	return num == fieldType || num == fieldID || num == fieldIgnoreValue || num == fieldTTL
}

func isBytesField(num protowire.Number) bool {
	return num == fieldKey || num == fieldValue || num == fieldRangeEnd
}
