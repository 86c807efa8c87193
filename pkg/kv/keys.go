package kv

import "strconv"

// key layout of a resource namespace:
//
//	{resource}|0|                         namespace begin
//	{resource}|0|{lease}|0|{contender}    contender record
//	{resource}|0|{lease}|1|               lease sub-range end
//	{resource}|1|                         namespace end (exclusive)
const (
	sepBegin = "|0|"
	sepEnd   = "|1|"
)

// KeyRange is a half open lexicographic range [Begin, End).
type KeyRange struct {
	Begin string
	End   string
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key string) bool {
	return key >= r.Begin && key < r.End
}

// ResourceRange is the key range holding every contender of resource.
func ResourceRange(resource string) KeyRange {
	return KeyRange{Begin: resource + sepBegin, End: resource + sepEnd}
}

// LeaseRange is the part of the resource range written under one lease.
func LeaseRange(resource string, lease int64) KeyRange {
	prefix := resource + sepBegin + strconv.FormatInt(lease, 10)
	return KeyRange{Begin: prefix + sepBegin, End: prefix + sepEnd}
}

// ContenderKey is the record key of one contender.
func ContenderKey(resource string, lease int64, contender string) string {
	return LeaseRange(resource, lease).Begin + contender
}
