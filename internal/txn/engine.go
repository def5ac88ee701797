package txn

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/coredb/coredb/internal/dberr"
	"github.com/coredb/coredb/internal/logsync"
	"github.com/coredb/coredb/internal/redo"
	"github.com/coredb/coredb/internal/storage"
	"github.com/coredb/coredb/internal/txstatus"
)

// MapLookup resolves a storage map by name during redo replay; the
// engine doesn't own the catalog's map registry, so it asks for it.
type MapLookup func(mapName string) (*storage.StorageMap, bool)

// Engine is the Transaction Engine of spec.md §4.5: allocates tids,
// tracks open transactions, drives commit/rollback, and interacts with
// the redo log and status cache.
type Engine struct {
	mu   sync.RWMutex
	open map[int64]*Transaction

	nextTrxID atomic.Int64
	nextOpID  atomic.Int64

	redoStore *redo.Store
	sync      *logsync.Service
	status    *txstatus.Cache

	prepared map[string]int64 // two-phase-commit participant name -> trxID

	waitGraph *WaitForGraph

	closed bool
}

// New constructs an Engine bound to redoStore/sync/status. The caller
// must call Recover before accepting transactions if the redo log may
// already contain data.
func New(redoStore *redo.Store, sync *logsync.Service, status *txstatus.Cache) *Engine {
	e := &Engine{
		open:      make(map[int64]*Transaction),
		redoStore: redoStore,
		sync:      sync,
		status:    status,
		prepared:  make(map[string]int64),
		waitGraph: newWaitForGraph(),
	}
	e.nextTrxID.Store(0)
	e.nextOpID.Store(redoStore.HighestOpID())
	return e
}

// Recover replays the redo log, applying each committed write to the
// map mapLookup resolves it to, and advances the opId/tid counters
// past what it observes. Idempotent: redo-applying an already-visible
// committed value is a no-op overwrite.
func (e *Engine) Recover(mapLookup MapLookup) error {
	var maxTrx int64
	err := e.redoStore.Replay(func(opID int64, rec *redo.Record) error {
		if rec.TrxID > maxTrx {
			maxTrx = rec.TrxID
		}
		for _, w := range rec.Writes {
			m, ok := mapLookup(w.MapName)
			if !ok {
				continue
			}
			var payload *storage.VersionedValue
			if w.Value == nil {
				payload = &storage.VersionedValue{TrxID: 0, LogID: 0, Payload: nil}
			} else {
				v, derr := decodeRedoValue(w.Value)
				if derr != nil {
					return derr
				}
				payload = &storage.VersionedValue{TrxID: 0, LogID: 0, Payload: v}
			}
			m.Put(w.Key, payload)
		}
		e.status.Set(rec.TrxID, opID)
		return nil
	})
	if err != nil {
		return err
	}
	if maxTrx > e.nextTrxID.Load() {
		e.nextTrxID.Store(maxTrx)
	}
	if e.redoStore.HighestOpID() > e.nextOpID.Load() {
		e.nextOpID.Store(e.redoStore.HighestOpID())
	}
	return nil
}

// Begin creates an open transaction with an empty undo log.
func (e *Engine) Begin(readOnly bool) (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, dberr.New(dberr.KindDatabaseClosed, "txn: engine is closed")
	}
	id := e.nextTrxID.Add(1)
	t := newTransaction(id, readOnly, e.nextOpID.Load())
	e.open[id] = t
	return t, nil
}

// GetTransaction looks up an open transaction by id.
func (e *Engine) GetTransaction(tid int64) (*Transaction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.open[tid]
	return t, ok
}

// OpenTransactionIDs returns a snapshot of currently open tids,
// excluding the given one.
func (e *Engine) OpenTransactionIDs(excluding int64) []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]int64, 0, len(e.open))
	for id := range e.open {
		if id != excluding {
			ids = append(ids, id)
		}
	}
	return ids
}

// OpenTransactions returns a snapshot of all currently open
// transactions, used by the MVCC layer's size-estimation strategy
// (spec.md §4.7).
func (e *Engine) OpenTransactions() []*Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts := make([]*Transaction, 0, len(e.open))
	for _, t := range e.open {
		ts = append(ts, t)
	}
	return ts
}

// StatusCache exposes the engine's transaction status cache.
func (e *Engine) StatusCache() *txstatus.Cache { return e.status }

// WaitForGraph exposes the engine-scoped wait-for graph so
// MVCCTransactionMap.Put/Remove can fail fast on a detected deadlock
// instead of exhausting its retry bound.
func (e *Engine) WaitForGraph() *WaitForGraph { return e.waitGraph }

// HighestAllocatedOpID returns the highest operationId allocated so
// far, committed or not.
func (e *Engine) HighestAllocatedOpID() int64 { return e.nextOpID.Load() }

// CheckpointTrimBoundary returns the operationId a checkpoint may
// safely trim the redo log below (spec.md's data model, "trimmed
// after checkpoint by the storage engine"; SPEC_FULL.md §3): every
// opID strictly below it is already reflected in whatever storage-map
// snapshot the checkpoint is about to take, or will be shortly, and
// is not needed by any transaction currently open. It is the smallest
// of one past the highest allocated opID (everything up to and
// including that opID is either already committed to a map or about
// to be snapshotted) and the opID each open transaction observed when
// it began — an open transaction's undo log never reaches further back
// than that.
func (e *Engine) CheckpointTrimBoundary() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	boundary := e.nextOpID.Load() + 1
	for _, t := range e.open {
		if t.OpenedAtOpID() < boundary {
			boundary = t.OpenedAtOpID()
		}
	}
	return boundary
}

// Commit performs spec.md §4.5's seven-step commit protocol. A
// failure appending to or syncing the redo log rolls t back rather
// than leaving it open and half-committed.
func (e *Engine) Commit(t *Transaction) error {
	if t.State() != StateOpen {
		return dberr.New(dberr.KindInternal, "txn: commit called on non-open transaction %d", t.ID)
	}

	undo, touched := t.undoSnapshot()
	if len(undo) == 0 {
		t.setState(StateCommitted)
		e.removeOpen(t.ID)
		return nil
	}

	opID := e.allocOpID(t.ID)

	rec := &redo.Record{TrxID: t.ID, Writes: make([]redo.Write, 0, len(undo))}
	for _, u := range undo {
		var valBytes []byte
		if !u.NewValue.IsTombstone() {
			valBytes = encodeRedoValue(u.NewValue.Payload)
		}
		rec.Writes = append(rec.Writes, redo.Write{MapName: u.MapName, Key: u.Key, Value: valBytes})
	}

	if err := e.redoStore.Append(opID, rec); err != nil {
		werr := dberr.Wrap(dberr.KindInternal, err, "txn: append redo record for trx %d", t.ID)
		_ = e.Rollback(t)
		return werr
	}
	if err := e.sync.Commit(opID); err != nil {
		_ = e.Rollback(t)
		return err
	}

	for _, u := range undo {
		m, ok := touched[u.MapName]
		if !ok {
			continue
		}
		selfWritten := &storage.VersionedValue{TrxID: t.ID, LogID: logIDOf(u), Payload: u.NewValue.Payload}
		committed := &storage.VersionedValue{TrxID: 0, LogID: 0, Payload: u.NewValue.Payload}
		m.Replace(u.Key, selfWritten, committed)
	}

	e.status.Set(t.ID, opID)
	t.setState(StateCommitted)
	e.removeOpen(t.ID)
	e.waitGraph.RemoveTransaction(t.ID)
	return nil
}

// logIDOf returns the logId a given undo entry was recorded at, read
// from the header of the value the entry wrote (0 if it has none).
func logIDOf(u UndoEntry) int32 {
	// The CAS header written during trySet always used the logId the
	// entry was appended at; since undo entries are never reordered,
	// the value embedded in NewValue.LogID at append time is authoritative.
	if u.NewValue != nil {
		return u.NewValue.LogID
	}
	return 0
}

// Rollback walks t's undo log in reverse, restoring each prior value.
func (e *Engine) Rollback(t *Transaction) error {
	if t.State() != StateOpen {
		return dberr.New(dberr.KindInternal, "txn: rollback called on non-open transaction %d", t.ID)
	}
	undo, touched := t.undoSnapshot()
	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		m, ok := touched[u.MapName]
		if !ok {
			continue
		}
		current := &storage.VersionedValue{TrxID: t.ID, LogID: u.NewValue.LogID, Payload: u.NewValue.Payload}
		// If this fails, another actor overwrote the row without ever
		// seeing it committed — impossible under correct trySet
		// discipline, so it is simply skipped rather than surfaced:
		// the row is already in whatever state that actor left it.
		m.Replace(u.Key, current, u.OldValue)
	}
	e.status.Set(t.ID, txstatus.NotCommitted)
	t.setState(StateRolledBack)
	e.removeOpen(t.ID)
	e.waitGraph.RemoveTransaction(t.ID)
	return nil
}

// RollbackToSavepoint unwinds undo entries with logId >= sp, leaving
// the transaction open.
func (e *Engine) RollbackToSavepoint(t *Transaction, sp int32) error {
	if t.State() != StateOpen {
		return dberr.New(dberr.KindInternal, "txn: rollbackToSavepoint called on non-open transaction %d", t.ID)
	}
	_, touched := t.undoSnapshot()
	tail := t.truncateUndo(sp)
	for i := len(tail) - 1; i >= 0; i-- {
		u := tail[i]
		m, ok := touched[u.MapName]
		if !ok {
			continue
		}
		current := &storage.VersionedValue{TrxID: t.ID, LogID: u.NewValue.LogID, Payload: u.NewValue.Payload}
		m.Replace(u.Key, current, u.OldValue)
	}
	return nil
}

// Prepare writes a stable marker for a two-phase-commit participant
// name so the coordinator can later validate it (spec.md §4.5).
func (e *Engine) Prepare(t *Transaction, participantName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[t.ID]; !ok {
		return dberr.New(dberr.KindInternal, "txn: prepare called on unknown transaction %d", t.ID)
	}
	e.prepared[participantName] = t.ID
	return nil
}

// ValidateTransaction answers whether participantName has been
// promised commitable via a prior Prepare call.
func (e *Engine) ValidateTransaction(participantName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.prepared[participantName]
	return ok
}

// Cleanup rolls back transactions that exceeded timeout.
func (e *Engine) Cleanup(isStale func(*Transaction) bool) {
	e.mu.RLock()
	stale := make([]*Transaction, 0)
	for _, t := range e.open {
		if isStale(t) {
			stale = append(stale, t)
		}
	}
	e.mu.RUnlock()
	for _, t := range stale {
		_ = e.Rollback(t)
	}
}

// Close rolls back all open transactions and releases the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	remaining := make([]*Transaction, 0, len(e.open))
	for _, t := range e.open {
		remaining = append(remaining, t)
	}
	e.mu.Unlock()

	for _, t := range remaining {
		_ = e.Rollback(t)
	}
	return nil
}

// allocOpID returns a fresh operationId strictly greater than any
// previously allocated and >= minimum (spec.md §3: "operationId ≥
// tid").
func (e *Engine) allocOpID(minimum int64) int64 {
	for {
		cur := e.nextOpID.Load()
		next := cur + 1
		if next < minimum {
			next = minimum
		}
		if e.nextOpID.CAS(cur, next) {
			return next
		}
	}
}

func (e *Engine) removeOpen(tid int64) {
	e.mu.Lock()
	delete(e.open, tid)
	e.mu.Unlock()
}
