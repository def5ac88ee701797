// Package txstatus implements the Transaction Status Cache of
// spec.md §4.4: a fixed-size bucketed array mapping recent transaction
// ids to commit timestamps (or sentinel values) for O(1) visibility
// lookups without hitting the redo log.
//
// Grounded on the teacher's server/innodb/manager/mvcc_manager.go
// activeTxs map pattern, generalized into the fixed bucketCount x
// bucketSize array spec.md §4.4 specifies (a map can't give per-bucket
// locking without also hashing the key, and the bucket index here is a
// direct arithmetic formula on tid, not a hash — see DESIGN.md for why
// no hash library is introduced in this package).
package txstatus

import "sync"

// Sentinel values a slot can hold besides a real commit timestamp.
const (
	Unknown      int64 = -1 // tid never observed by this cache
	NotCommitted int64 = -2 // rolled back, or in-flight beyond retention
)

// Defaults per spec.md §4.4.
const (
	DefaultBucketCount = 1 << 15
	DefaultBucketSize  = 1 << 14
)

// Cache is the bucketed tid -> commitOpId array.
type Cache struct {
	bucketCount int64
	bucketSize  int64
	locks       []sync.Mutex
	slots       [][]int64
}

// statusCacheShareKB is the divisor applied to CACHE_SIZE to get the
// status cache's budget (one eighth of it); the rest of the budget is
// conceptually left for the
// page/buffer cache spec.md §6 also funds from the same knob.
const statusCacheShareKB = 8

// minBucketCount/minBucketSize bound GeometryForBudget from below so a
// tiny CACHE_SIZE still yields a usable cache.
const (
	minBucketCount = 16
	minBucketSize  = 16
)

// GeometryForBudget derives a bucketCount/bucketSize pair that fits
// within budgetKB kilobytes of int64 slots (8 bytes each), never
// exceeding spec.md §4.4's literal 2^15 x 2^14 defaults and never
// going below a small usable floor. CACHE_SIZE has no dedicated
// bucket-geometry knob, so a caller that passes this result to New gets
// a cache sized from a share of it instead of the spec's worst-case
// defaults, which New itself uses when bucketCount or bucketSize is <= 0.
func GeometryForBudget(budgetKB int) (bucketCount, bucketSize int) {
	const slotBytes = int64(8)
	budgetBytes := int64(budgetKB/statusCacheShareKB) * 1024
	maxSlots := budgetBytes / slotBytes
	if maxSlots < int64(minBucketCount*minBucketSize) {
		maxSlots = int64(minBucketCount * minBucketSize)
	}
	ceiling := int64(DefaultBucketCount) * int64(DefaultBucketSize)
	if maxSlots > ceiling {
		maxSlots = ceiling
	}

	bucketCount, bucketSize = 1, 1
	for int64(bucketCount)*int64(bucketSize)*2 <= maxSlots {
		if bucketCount <= bucketSize {
			bucketCount <<= 1
		} else {
			bucketSize <<= 1
		}
	}
	if bucketCount < minBucketCount {
		bucketCount = minBucketCount
	}
	if bucketSize < minBucketSize {
		bucketSize = minBucketSize
	}
	return bucketCount, bucketSize
}

// New constructs a Cache with the given bucket geometry (powers of two
// per spec.md §4.4 — not enforced here, but recommended). Passing a
// non-positive bucketCount or bucketSize falls back to spec.md §4.4's
// literal worst-case defaults, not GeometryForBudget — callers wanting
// a budget-derived size must call GeometryForBudget explicitly.
func New(bucketCount, bucketSize int) *Cache {
	if bucketCount <= 0 {
		bucketCount = DefaultBucketCount
	}
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	c := &Cache{
		bucketCount: int64(bucketCount),
		bucketSize:  int64(bucketSize),
		locks:       make([]sync.Mutex, bucketCount),
		slots:       make([][]int64, bucketCount),
	}
	for i := range c.slots {
		row := make([]int64, bucketSize)
		for j := range row {
			row[j] = Unknown
		}
		c.slots[i] = row
	}
	return c
}

func (c *Cache) index(tid int64) (bucket, slot int64) {
	bucket = (tid / c.bucketSize) % c.bucketCount
	if bucket < 0 {
		bucket += c.bucketCount
	}
	slot = tid % c.bucketSize
	if slot < 0 {
		slot += c.bucketSize
	}
	return
}

// Set records ts (a commit opId, or one of the sentinels) for tid,
// synchronized per-bucket. Older entries are silently overwritten.
func (c *Cache) Set(tid, ts int64) {
	bucket, slot := c.index(tid)
	c.locks[bucket].Lock()
	c.slots[bucket][slot] = ts
	c.locks[bucket].Unlock()
}

// Get returns the cached value for tid: a commit opId, Unknown, or
// NotCommitted. A miss (Unknown) must fall back to consulting the
// engine's open-tx map and the redo log.
func (c *Cache) Get(tid int64) int64 {
	bucket, slot := c.index(tid)
	c.locks[bucket].Lock()
	v := c.slots[bucket][slot]
	c.locks[bucket].Unlock()
	return v
}
