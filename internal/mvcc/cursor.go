package mvcc

import (
	"errors"

	"github.com/coredb/coredb/internal/codec"
	"github.com/coredb/coredb/internal/storage"
)

// Cursor is a restartable, visibility-filtered scan over a TxMap
// (spec.md §4.7 cursor): it wraps storage.Cursor, skips tombstones and
// invisible versions, and transparently re-seeks from the last
// emitted key on storage.ErrChunkNotFound (spec.md §4.6).
type Cursor struct {
	tm      *TxMap
	raw     *storage.Cursor
	lastKey []byte
	seeded  bool
}

// Cursor returns a cursor starting at fromKey (inclusive); a nil
// fromKey starts at the map's first key.
func (tm *TxMap) Cursor(fromKey []byte) *Cursor {
	return &Cursor{tm: tm, raw: tm.m.Cursor(fromKey)}
}

// Next returns the next visible (key, value) pair, or ok=false once
// the underlying map is exhausted.
func (c *Cursor) Next() (key []byte, value *codec.Value, ok bool, err error) {
	for {
		k, d, hasNext, rerr := c.raw.Next()
		if rerr != nil {
			if !errors.Is(rerr, storage.ErrChunkNotFound) {
				return nil, nil, false, rerr
			}
			c.reseek()
			continue
		}
		if !hasNext {
			return nil, nil, false, nil
		}
		if c.seeded && string(k) == string(c.lastKey) {
			// The re-seeded cursor re-yields the key it was resumed
			// from; skip the duplicate.
			continue
		}

		val, rerr := c.tm.resolve(k, d)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		c.lastKey = k
		c.seeded = true
		if val == nil {
			continue
		}
		return k, val, true, nil
	}
}

// reseek rebuilds the raw cursor from the last successfully emitted
// key after an ErrChunkNotFound.
func (c *Cursor) reseek() {
	c.raw = c.tm.m.Cursor(c.lastKey)
}
