package storage

import (
	"bytes"
	"encoding/gob"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/google/btree"
	"github.com/pierrec/lz4/v4"

	"github.com/coredb/coredb/internal/codec"
)

// ErrChunkNotFound is the recoverable cursor error of spec.md §4.6: the
// underlying container was structurally rewritten mid-scan. The MVCC
// layer retries by re-seeking from the last yielded key.
var ErrChunkNotFound = errors.New("storage: chunk not found, re-seek required")

type entry struct {
	key   []byte
	value *VersionedValue
}

func lessEntry(a, b entry) bool { return bytes.Compare(a.key, b.key) < 0 }

const btreeDegree = 32

// StorageMap is the concrete key-ordered container of spec.md §4.6,
// backed by github.com/google/btree (grounded on AKJUS-bsc-erigon's
// direct dependency on it for ordered state storage — the teacher has
// no generic ordered container of its own).
type StorageMap struct {
	mu           sync.RWMutex
	name         string
	tree         *btree.BTreeG[entry]
	generation   uint64 // bumped on any structural mutation; cursors detect staleness from this
	compressData bool
	path         string
}

// New constructs an empty, in-memory StorageMap named name.
func New(name string, compressData bool) *StorageMap {
	return &StorageMap{
		name:         name,
		tree:         btree.NewG(btreeDegree, lessEntry),
		compressData: compressData,
	}
}

func (m *StorageMap) Name() string { return m.name }

// Get returns the current raw VersionedValue for k, or nil if absent.
func (m *StorageMap) Get(k []byte) *VersionedValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(entry{key: k})
	if !ok {
		return nil
	}
	return e.value
}

// Put unconditionally writes (k,v) and returns the previous value.
func (m *StorageMap) Put(k []byte, v *VersionedValue) *VersionedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, _ := m.tree.ReplaceOrInsert(entry{key: append([]byte(nil), k...), value: v})
	m.generation++
	return old.value
}

// PutIfAbsent writes (k,v) only if k is currently absent; it always
// returns the previous value (nil if the write happened).
func (m *StorageMap) PutIfAbsent(k []byte, v *VersionedValue) *VersionedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tree.Get(entry{key: k}); ok {
		return cur.value
	}
	m.tree.ReplaceOrInsert(entry{key: append([]byte(nil), k...), value: v})
	m.generation++
	return nil
}

// Replace is a compare-and-set: it writes newV at k only if the
// current value equals expected (per Equal).
func (m *StorageMap) Replace(k []byte, expected, newV *VersionedValue) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tree.Get(entry{key: k})
	var curVal *VersionedValue
	if ok {
		curVal = cur.value
	}
	if !Equal(curVal, expected) {
		return false
	}
	m.tree.ReplaceOrInsert(entry{key: append([]byte(nil), k...), value: newV})
	m.generation++
	return true
}

// Remove deletes k and returns its previous value.
func (m *StorageMap) Remove(k []byte) *VersionedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tree.Delete(entry{key: k})
	m.generation++
	if !ok {
		return nil
	}
	return old.value
}

// FirstKey returns the smallest key in the map, or nil if empty.
func (m *StorageMap) FirstKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Min()
	if !ok {
		return nil
	}
	return e.key
}

// LastKey returns the largest key in the map, or nil if empty.
func (m *StorageMap) LastKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Max()
	if !ok {
		return nil
	}
	return e.key
}

// LowerKey returns the largest key strictly less than k.
func (m *StorageMap) LowerKey(k []byte) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []byte
	m.tree.DescendLessOrEqual(entry{key: k}, func(e entry) bool {
		if bytes.Equal(e.key, k) {
			return true
		}
		result = e.key
		return false
	})
	return result
}

// FloorKey returns the largest key less than or equal to k.
func (m *StorageMap) FloorKey(k []byte) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []byte
	m.tree.DescendLessOrEqual(entry{key: k}, func(e entry) bool {
		result = e.key
		return false
	})
	return result
}

// HigherKey returns the smallest key strictly greater than k. Per
// spec.md §9 this may be approximate and does not apply MVCC
// visibility filtering (that filtering happens one layer up, in
// internal/mvcc, for every other boundary op but deliberately not this
// one).
func (m *StorageMap) HigherKey(k []byte) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []byte
	m.tree.AscendGreaterOrEqual(entry{key: k}, func(e entry) bool {
		if bytes.Equal(e.key, k) {
			return true
		}
		result = e.key
		return false
	})
	return result
}

// CeilingKey returns the smallest key greater than or equal to k.
func (m *StorageMap) CeilingKey(k []byte) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []byte
	found := false
	m.tree.AscendGreaterOrEqual(entry{key: k}, func(e entry) bool {
		result = e.key
		found = true
		return false
	})
	if !found {
		return nil
	}
	return result
}

// SizeAsLong returns an approximate count of entries, including
// uncommitted ones; the MVCC layer refines this for visible-only
// counts.
func (m *StorageMap) SizeAsLong() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.tree.Len())
}

// Cursor returns a restartable cursor starting at fromKey (inclusive).
func (m *StorageMap) Cursor(fromKey []byte) *Cursor {
	m.mu.RLock()
	gen := m.generation
	m.mu.RUnlock()
	return &Cursor{m: m, next: fromKey, generation: gen}
}

// Cursor yields (k,v) pairs in key order, tolerant to the map being
// rewritten mid-scan via ErrChunkNotFound.
type Cursor struct {
	m          *StorageMap
	next       []byte // next key to resume from, inclusive
	exhausted  bool
	generation uint64
}

// Next returns the next (k,v) pair, or ok=false once exhausted. If the
// map was structurally rewritten since the cursor was created (or
// since the last successful Next), it returns ErrChunkNotFound; the
// caller should re-seek via StorageMap.Cursor(lastEmittedKey) and
// discard the duplicate first result.
func (c *Cursor) Next() (key []byte, value *VersionedValue, ok bool, err error) {
	if c.exhausted {
		return nil, nil, false, nil
	}
	c.m.mu.RLock()
	if c.generation != c.m.generation {
		c.m.mu.RUnlock()
		return nil, nil, false, ErrChunkNotFound
	}
	var found *entry
	c.m.tree.AscendGreaterOrEqual(entry{key: c.next}, func(e entry) bool {
		tmp := e
		found = &tmp
		return false
	})
	c.m.mu.RUnlock()

	if found == nil {
		c.exhausted = true
		return nil, nil, false, nil
	}
	c.next = append(append([]byte(nil), found.key...), 0x00)
	return found.key, found.value, true, nil
}

// --- persistence lifecycle ---

type persistedEntry struct {
	Key     []byte
	TrxID   int64
	LogID   int32
	Payload []byte // codec-encoded; nil means tombstone
}

// Save snapshots the map to path, compressing the payload with lz4
// when COMPRESS_DATA is configured (spec.md §6).
func (m *StorageMap) Save(path string) error {
	m.mu.RLock()
	entries := make([]persistedEntry, 0, m.tree.Len())
	m.tree.Ascend(func(e entry) bool {
		var payload []byte
		if e.value != nil && e.value.Payload != nil {
			payload = codec.Encode(e.value.Payload)
		}
		var trxID int64
		var logID int32
		if e.value != nil {
			trxID, logID = e.value.TrxID, e.value.LogID
		}
		entries = append(entries, persistedEntry{Key: e.key, TrxID: trxID, LogID: logID, Payload: payload})
		return true
	})
	m.path = path
	compress := m.compressData
	m.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w = writerOf(f, compress)
	enc := gob.NewEncoder(w)
	if err := enc.Encode(entries); err != nil {
		return err
	}
	if wc, ok := w.(interface{ Close() error }); ok {
		return wc.Close()
	}
	return nil
}

// Load restores a StorageMap previously written by Save.
func Load(name string, path string, compressData bool) (*StorageMap, error) {
	m := New(name, compressData)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := readerOf(f, compressData)
	dec := gob.NewDecoder(r)
	var entries []persistedEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}
	for _, pe := range entries {
		var payload *VersionedValue
		payload = &VersionedValue{TrxID: pe.TrxID, LogID: pe.LogID}
		if pe.Payload != nil {
			decoded, derr := codec.Decode(pe.Payload)
			if derr != nil {
				return nil, derr
			}
			payload.Payload = decoded
		}
		m.tree.ReplaceOrInsert(entry{key: pe.Key, value: payload})
	}
	m.path = path
	return m, nil
}

// Close releases resources; the in-memory tree needs no explicit
// teardown, so this only clears the cached path.
func (m *StorageMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path = ""
	return nil
}

// writerOf wraps w with an lz4 compressor when compress is set,
// implementing the COMPRESS_DATA behavior of spec.md §6 ("storage
// maps use a larger page split size" — here, a compressed snapshot).
func writerOf(w io.Writer, compress bool) io.Writer {
	if !compress {
		return w
	}
	return lz4.NewWriter(w)
}

func readerOf(r io.Reader, compress bool) io.Reader {
	if !compress {
		return r
	}
	return lz4.NewReader(r)
}

// RemoveStore deletes the on-disk snapshot, if any.
func (m *StorageMap) RemoveStore() error {
	m.mu.Lock()
	path := m.path
	m.mu.Unlock()
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
