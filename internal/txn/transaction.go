// Package txn implements the Transaction Engine (spec.md §4.5) and
// MVCCTransaction (spec.md §4.5 item 8): per-transaction state and the
// engine that drives begin/commit/rollback against the redo log and
// status cache.
//
// Grounded on the teacher's
// server/innodb/manager/transaction_manager.go (state constants,
// Begin/Commit/Rollback/Cleanup/Close, createReadView), generalized so
// that Commit actually performs the visibility-header rewrite spec.md
// §4.5 step 5 requires — the teacher's Commit never does this.
package txn

import (
	"sync"

	"github.com/coredb/coredb/internal/storage"
)

// State is a transaction's lifecycle stage (spec.md §3 Data Model).
type State uint8

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateRolledBack
)

// UndoEntry is one (mapName, key, oldValue, newValue) undo record; its
// index within Transaction.undo equals the write's logId.
type UndoEntry struct {
	MapName  string
	Key      []byte
	OldValue *storage.VersionedValue
	NewValue *storage.VersionedValue
}

// Transaction is the per-transaction state of spec.md §3/§4.5 item 8:
// id, logical log counter, ordered undo log, and the set of storage
// maps it has touched.
type Transaction struct {
	ID         int64
	IsReadOnly bool

	// openedAtOpID is the engine's highest allocated operationId at the
	// moment this transaction began; a checkpoint must not trim the
	// redo log below the smallest of these across all open
	// transactions (spec.md data model, SPEC_FULL.md §3).
	openedAtOpID int64

	mu    sync.Mutex
	state State
	undo  []UndoEntry
	touch map[string]*storage.StorageMap

	savepoints map[string]int32
}

func newTransaction(id int64, readOnly bool, openedAtOpID int64) *Transaction {
	return &Transaction{
		ID:           id,
		IsReadOnly:   readOnly,
		openedAtOpID: openedAtOpID,
		state:        StateOpen,
		touch:        make(map[string]*storage.StorageMap),
		savepoints:   make(map[string]int32),
	}
}

// OpenedAtOpID returns the highest operationId the engine had
// allocated when this transaction began.
func (t *Transaction) OpenedAtOpID() int64 { return t.openedAtOpID }

// State returns the transaction's current lifecycle stage.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LogCounter returns the next logId that would be assigned (i.e. the
// current length of the undo log).
func (t *Transaction) LogCounter() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int32(len(t.undo))
}

// Touch registers m as touched by this transaction so Commit knows
// which maps to rewrite visibility headers in.
func (t *Transaction) Touch(m *storage.StorageMap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touch[m.Name()] = m
}

// AppendUndo appends an undo record and returns its logId.
func (t *Transaction) AppendUndo(e UndoEntry) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	logID := int32(len(t.undo))
	t.undo = append(t.undo, e)
	return logID
}

// PopUndo removes the most recently appended undo record — used by
// trySet when the underlying CAS fails after the undo record was
// optimistically appended.
func (t *Transaction) PopUndo() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.undo) > 0 {
		t.undo = t.undo[:len(t.undo)-1]
	}
}

// UndoLen returns the number of undo records appended so far.
func (t *Transaction) UndoLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.undo)
}

// UndoEntries returns a defensive copy of the full undo log, used by
// the MVCC layer's size-estimation strategy (spec.md §4.7).
func (t *Transaction) UndoEntries() []UndoEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UndoEntry, len(t.undo))
	copy(out, t.undo)
	return out
}

// UndoAt returns the undo record at logId.
func (t *Transaction) UndoAt(logID int32) (UndoEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if logID < 0 || int(logID) >= len(t.undo) {
		return UndoEntry{}, false
	}
	return t.undo[logID], true
}

// Savepoint records a named checkpoint at the current logCounter and
// returns it.
func (t *Transaction) Savepoint(name string) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp := int32(len(t.undo))
	t.savepoints[name] = sp
	return sp
}

// SavepointLogID returns the logId a named savepoint was taken at.
func (t *Transaction) SavepointLogID(name string) (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.savepoints[name]
	return sp, ok
}

// undoSnapshot returns a defensive copy of the undo log and touched
// map set for Commit/Rollback to iterate without holding the lock.
func (t *Transaction) undoSnapshot() ([]UndoEntry, map[string]*storage.StorageMap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := make([]UndoEntry, len(t.undo))
	copy(u, t.undo)
	m := make(map[string]*storage.StorageMap, len(t.touch))
	for k, v := range t.touch {
		m[k] = v
	}
	return u, m
}

func (t *Transaction) truncateUndo(fromLogID int32) []UndoEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(fromLogID) >= len(t.undo) {
		return nil
	}
	tail := make([]UndoEntry, len(t.undo)-int(fromLogID))
	copy(tail, t.undo[fromLogID:])
	t.undo = t.undo[:fromLogID]
	return tail
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}
