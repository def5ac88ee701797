// Package storage implements spec.md §4.5 item 5 (VersionedValue) and
// §4.6 (StorageMap): the ordered key-value container the MVCC layer
// composes.
package storage

import (
	"bytes"

	"github.com/coredb/coredb/internal/codec"
)

// VersionedValue is the triple (tid, logId, payload) stored in the
// MVCC map. TrxID==0 means committed; a nil or tombstone Payload means
// deleted.
type VersionedValue struct {
	TrxID   int64
	LogID   int32
	Payload *codec.Value
}

// IsCommitted reports whether v carries the committed header (0,0).
func (v *VersionedValue) IsCommitted() bool { return v != nil && v.TrxID == 0 }

// IsTombstone reports whether v's payload is a deletion marker.
func (v *VersionedValue) IsTombstone() bool {
	return v == nil || codec.IsTombstone(v.Payload)
}

// Equal compares two VersionedValues by (tid, logId, payload-bytes)
// equality, the comparison StorageMap.Replace uses for its CAS.
func Equal(a, b *VersionedValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.TrxID != b.TrxID || a.LogID != b.LogID {
		return false
	}
	return bytes.Equal(codec.Encode(a.Payload), codec.Encode(b.Payload))
}
