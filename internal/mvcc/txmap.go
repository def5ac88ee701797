// Package mvcc implements MVCCTransactionMap (spec.md §4.7): the
// transaction-aware view over a single internal/storage.StorageMap,
// chasing undo chains to resolve visibility and driving the trySet CAS
// protocol that the Transaction Engine's undo log depends on.
//
// Grounded on the teacher's
// server/innodb/storage/store/mvcc/read_view.go (ReadView.IsVisible,
// generalized here into full undo-chain chasing instead of a single
// read-view snapshot check) and deadlock.go (wait-for graph, reused by
// Put/Remove's retry bound via internal/txn.WaitForGraph instead of
// full cycle-killing deadlock detection).
package mvcc

import (
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/coredb/coredb/internal/codec"
	"github.com/coredb/coredb/internal/dberr"
	"github.com/coredb/coredb/internal/storage"
	"github.com/coredb/coredb/internal/txn"
)

const (
	maxRetries   = 64
	initialDelay = time.Millisecond
	maxDelay     = 50 * time.Millisecond
)

// TxMap is the MVCC-aware view of m as seen by tx.
type TxMap struct {
	engine *txn.Engine
	m      *storage.StorageMap
	tx     *txn.Transaction
}

// New binds a StorageMap to a transaction, yielding the view the rest
// of this package operates on.
func New(engine *txn.Engine, m *storage.StorageMap, tx *txn.Transaction) *TxMap {
	return &TxMap{engine: engine, m: m, tx: tx}
}

func (tm *TxMap) MapName() string { return tm.m.Name() }

// Get resolves k to the value visible to tx: chases the undo chain of
// whichever transaction currently holds the row until it finds either
// a committed header or this transaction's own write (spec.md §4.7
// get). A nil result (with nil error) means the key is absent or
// resolves to a tombstone.
func (tm *TxMap) Get(k []byte) (*codec.Value, error) {
	return tm.resolve(k, tm.m.Get(k))
}

// resolve walks d's undo chain starting from a raw read already taken
// from the map, so Get and the cursor can share the algorithm.
func (tm *TxMap) resolve(k []byte, d *storage.VersionedValue) (*codec.Value, error) {
	for {
		if d == nil {
			return nil, nil
		}
		if d.TrxID == 0 || d.TrxID == tm.tx.ID {
			if d.IsTombstone() {
				return nil, nil
			}
			return d.Payload, nil
		}

		holder, open := tm.engine.GetTransaction(d.TrxID)
		if open {
			entry, found := holder.UndoAt(d.LogID)
			if !found {
				return nil, dberr.New(dberr.KindTransactionCorrupt,
					"mvcc: transaction %d has no undo record at logId %d for key in map %q", d.TrxID, d.LogID, tm.m.Name())
			}
			d = entry.OldValue
			continue
		}

		// The writer is gone. If the row still carries the exact
		// version we just looked at, nobody committed or rolled it
		// back in between — the writer vanished mid-write, which
		// should never happen under correct Engine discipline.
		fresh := tm.m.Get(k)
		if storage.Equal(fresh, d) {
			return nil, dberr.New(dberr.KindTransactionCorrupt,
				"mvcc: writer of transaction %d is gone but its write to map %q was never finalized", d.TrxID, tm.m.Name())
		}
		d = fresh
	}
}

// TrySet performs the single-attempt conditional write of spec.md
// §4.7 trySet: it reads the current raw value, optimistically appends
// an undo record, then attempts the underlying CAS. On failure it pops
// the undo record back off and reports false so the caller can retry.
func (tm *TxMap) TrySet(k []byte, v *codec.Value) (bool, int64, error) {
	current := tm.m.Get(k)

	newVV := &storage.VersionedValue{TrxID: tm.tx.ID, Payload: v}
	logID := tm.tx.AppendUndo(txn.UndoEntry{
		MapName:  tm.m.Name(),
		Key:      append([]byte(nil), k...),
		OldValue: current,
		NewValue: newVV,
	})
	newVV.LogID = logID

	var ok bool
	var blocker int64 = -1
	switch {
	case current == nil:
		ok = tm.m.PutIfAbsent(k, newVV) == nil
		if !ok {
			blocker = tm.m.Get(k).TrxID
		}
	case current.TrxID == 0 || current.TrxID == tm.tx.ID:
		ok = tm.m.Replace(k, current, newVV)
		if !ok {
			if fresh := tm.m.Get(k); fresh != nil {
				blocker = fresh.TrxID
			}
		}
	default:
		ok = false
		blocker = current.TrxID
	}

	if !ok {
		tm.tx.PopUndo()
		return false, blocker, nil
	}
	tm.tx.Touch(tm.m)
	return true, 0, nil
}

// Put writes k=v, retrying trySet with backoff until it succeeds or
// the wait-for graph reports a deadlock / the retry bound is
// exhausted, in which case it returns a LOCK_TIMEOUT error.
func (tm *TxMap) Put(k []byte, v *codec.Value) error {
	return tm.retryingSet(k, v)
}

// Remove deletes k (writing a tombstone) and returns the value that
// was visible immediately beforehand.
func (tm *TxMap) Remove(k []byte) (*codec.Value, error) {
	prev, err := tm.Get(k)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, nil
	}
	if err := tm.retryingSet(k, codec.NullValue()); err != nil {
		return nil, err
	}
	return prev, nil
}

func (tm *TxMap) retryingSet(k []byte, v *codec.Value) error {
	delay := initialDelay
	jitter := keyJitter(k)
	graph := tm.engine.WaitForGraph()
	for attempt := 0; attempt < maxRetries; attempt++ {
		ok, blocker, err := tm.TrySet(k, v)
		if err != nil {
			return err
		}
		if ok {
			if blocker >= 0 {
				graph.RemoveWaitFor(tm.tx.ID, blocker)
			}
			return nil
		}
		if blocker >= 0 {
			if graph.WouldCycle(tm.tx.ID, blocker) {
				return dberr.New(dberr.KindLockTimeout,
					"mvcc: deadlock detected waiting on transaction %d for a row in map %q", blocker, tm.m.Name())
			}
			graph.AddWaitFor(tm.tx.ID, blocker)
		}
		time.Sleep(delay + jitter)
		if delay < maxDelay {
			delay *= 2
		}
	}
	return dberr.New(dberr.KindLockTimeout, "mvcc: lock wait timeout writing to map %q", tm.m.Name())
}

// keyJitter derives a small, deterministic-per-key stagger from k so
// that many transactions contending on the same hot row don't all wake
// up and retry on the exact same backoff schedule. xxhash is used only
// for this spread, never for key ordering or equality.
func keyJitter(k []byte) time.Duration {
	h := xxhash.Checksum32(k)
	return time.Duration(h%uint32(initialDelay)) * time.Nanosecond
}
