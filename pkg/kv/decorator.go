package kv

import (
	"hash/fnv"
	"math"
	"os"
	"strconv"
	"time"
)

// GrantDecorator adjusts a grant request right before it is sent.
type GrantDecorator func(req *LeaseGrantRequest)

// ProvisionalLeaseID fills an unset lease id with a near-unique value mixed
// from this process' identity and the nanosecond clock. A retried grant
// carries the same id and refreshes the lease the first attempt created.
func ProvisionalLeaseID() GrantDecorator {
	host, _ := os.Hostname()
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	_, _ = h.Write([]byte(strconv.Itoa(os.Getpid())))
	identity := uint64(h.Sum32())

	return func(req *LeaseGrantRequest) {
		if req.ID != 0 {
			return
		}
		id := int64((identity<<32)+uint64(time.Now().UnixNano())) & math.MaxInt64
		if id == 0 {
			id = 1
		}
		req.ID = id
	}
}
