package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredb/coredb/internal/codec"
	"github.com/coredb/coredb/internal/logsync"
	"github.com/coredb/coredb/internal/redo"
	"github.com/coredb/coredb/internal/storage"
	"github.com/coredb/coredb/internal/txstatus"
)

func newTestEngine(t *testing.T) (*Engine, *storage.StorageMap) {
	t.Helper()
	dir := t.TempDir()
	store, err := redo.Open(dir)
	require.NoError(t, err)
	sync := logsync.New(store, logsync.Config{Policy: logsync.PolicyPerCommit})
	status := txstatus.New(16, 16)
	e := New(store, sync, status)
	m := storage.New("t1", false)
	return e, m
}

func TestCommitFlipsVisibilityHeader(t *testing.T) {
	e, m := newTestEngine(t)
	tx, err := e.Begin(false)
	require.NoError(t, err)

	key := []byte("k1")
	newVal := &storage.VersionedValue{TrxID: tx.ID, LogID: 0, Payload: codec.IntValue(7)}
	logID := tx.AppendUndo(UndoEntry{MapName: "t1", Key: key, OldValue: nil, NewValue: newVal})
	newVal.LogID = logID
	require.True(t, m.PutIfAbsent(key, newVal) == nil)
	tx.Touch(m)

	require.NoError(t, e.Commit(tx))

	got := m.Get(key)
	require.NotNil(t, got)
	assert.Equal(t, int64(0), got.TrxID)
	assert.Equal(t, int32(0), got.LogID)
	assert.Equal(t, int64(7), got.Payload.Int)
}

func TestRollbackRestoresPriorValue(t *testing.T) {
	e, m := newTestEngine(t)
	committed := &storage.VersionedValue{TrxID: 0, LogID: 0, Payload: codec.IntValue(1)}
	m.Put([]byte("k1"), committed)

	tx, err := e.Begin(false)
	require.NoError(t, err)

	newVal := &storage.VersionedValue{TrxID: tx.ID, Payload: codec.IntValue(2)}
	logID := tx.AppendUndo(UndoEntry{MapName: "t1", Key: []byte("k1"), OldValue: committed, NewValue: newVal})
	newVal.LogID = logID
	require.True(t, m.Replace([]byte("k1"), committed, newVal))
	tx.Touch(m)

	require.NoError(t, e.Rollback(tx))

	got := m.Get([]byte("k1"))
	assert.Equal(t, committed, got)
	assert.Equal(t, StateRolledBack, tx.State())
}

func TestCommitOnEmptyUndoIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	tx, err := e.Begin(true)
	require.NoError(t, err)
	require.NoError(t, e.Commit(tx))
	assert.Equal(t, StateCommitted, tx.State())
	_, open := e.GetTransaction(tx.ID)
	assert.False(t, open)
}

func TestCheckpointTrimBoundaryRespectsOpenTransactions(t *testing.T) {
	e, m := newTestEngine(t)

	for i := 0; i < 3; i++ {
		tx, err := e.Begin(false)
		require.NoError(t, err)
		newVal := &storage.VersionedValue{TrxID: tx.ID, Payload: codec.IntValue(int64(i))}
		logID := tx.AppendUndo(UndoEntry{MapName: "t1", Key: []byte("k"), NewValue: newVal})
		newVal.LogID = logID
		m.Put([]byte("k"), newVal)
		tx.Touch(m)
		require.NoError(t, e.Commit(tx))
	}
	highest := e.HighestAllocatedOpID()
	assert.Equal(t, highest+1, e.CheckpointTrimBoundary())

	open, err := e.Begin(false)
	require.NoError(t, err)
	assert.Equal(t, highest, open.OpenedAtOpID())
	assert.Equal(t, highest, e.CheckpointTrimBoundary())

	require.NoError(t, e.Rollback(open))
	assert.Equal(t, highest+1, e.CheckpointTrimBoundary())
}

func TestPrepareThenValidateTransaction(t *testing.T) {
	e, _ := newTestEngine(t)
	tx, err := e.Begin(false)
	require.NoError(t, err)

	assert.False(t, e.ValidateTransaction("participant-a"))

	require.NoError(t, e.Prepare(tx, "participant-a"))
	assert.True(t, e.ValidateTransaction("participant-a"))
	assert.False(t, e.ValidateTransaction("participant-b"))

	require.NoError(t, e.Commit(tx))
	assert.True(t, e.ValidateTransaction("participant-a"))
}

func TestPrepareRejectsUnknownTransaction(t *testing.T) {
	e, _ := newTestEngine(t)
	tx, err := e.Begin(false)
	require.NoError(t, err)
	require.NoError(t, e.Commit(tx))

	err = e.Prepare(tx, "participant-a")
	assert.Error(t, err)
}

func TestRecoverReplaysCommittedWrites(t *testing.T) {
	dir := t.TempDir()
	store, err := redo.Open(dir)
	require.NoError(t, err)
	sync := logsync.New(store, logsync.Config{Policy: logsync.PolicyPerCommit})
	status := txstatus.New(16, 16)
	e := New(store, sync, status)

	m := storage.New("t1", false)
	tx, err := e.Begin(false)
	require.NoError(t, err)
	newVal := &storage.VersionedValue{TrxID: tx.ID, Payload: codec.StringValue("hello")}
	logID := tx.AppendUndo(UndoEntry{MapName: "t1", Key: []byte("k1"), NewValue: newVal})
	newVal.LogID = logID
	m.PutIfAbsent([]byte("k1"), newVal)
	tx.Touch(m)
	require.NoError(t, e.Commit(tx))
	require.NoError(t, store.Close())

	store2, err := redo.Open(dir)
	require.NoError(t, err)
	sync2 := logsync.New(store2, logsync.Config{Policy: logsync.PolicyPerCommit})
	status2 := txstatus.New(16, 16)
	e2 := New(store2, sync2, status2)

	m2 := storage.New("t1", false)
	err = e2.Recover(func(name string) (*storage.StorageMap, bool) {
		if name == "t1" {
			return m2, true
		}
		return nil, false
	})
	require.NoError(t, err)

	got := m2.Get([]byte("k1"))
	require.NotNil(t, got)
	assert.Equal(t, int64(0), got.TrxID)
	assert.Equal(t, "hello", got.Payload.Str)
}
