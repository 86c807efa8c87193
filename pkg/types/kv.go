package types

// KeyValue is one live record of the store.
// ModRevision is the store revision of the last write to the key and is what
// contenders are ordered by.
type KeyValue struct {
	Key            string `json:"key"`
	Value          []byte `json:"value,omitempty"`
	CreateRevision int64  `json:"create_revision"`
	ModRevision    int64  `json:"mod_revision"`
	Version        int64  `json:"version"`
	Lease          int64  `json:"lease,omitempty"`
}

// deep copy, so callers never alias store memory
func (kv *KeyValue) Clone() *KeyValue {
	if kv == nil {
		return nil
	}
	c := *kv
	if kv.Value != nil {
		c.Value = append([]byte(nil), kv.Value...)
	}
	return &c
}

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "PUT"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is a single mutation observed by a watch.
// For deletes Kv carries the key and the deletion revision only.
type Event struct {
	Type     EventType `json:"type"`
	Kv       *KeyValue `json:"kv"`
	Revision int64     `json:"revision"`
}
