package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredb/coredb/internal/logsync"
	"github.com/coredb/coredb/internal/redo"
	"github.com/coredb/coredb/internal/txn"
	"github.com/coredb/coredb/internal/txstatus"
)

func newTestEngine(t *testing.T) *txn.Engine {
	t.Helper()
	dir := t.TempDir()
	store, err := redo.Open(dir)
	require.NoError(t, err)
	sync := logsync.New(store, logsync.Config{Policy: logsync.PolicyPerCommit})
	status := txstatus.New(16, 16)
	return txn.New(store, sync, status)
}

func TestCurrentTransactionLazyBegins(t *testing.T) {
	e := newTestEngine(t)
	s := New(e, "alice", nil)
	assert.True(t, s.AutoCommit())

	tx := s.CurrentTransaction()
	require.NotNil(t, tx)
	assert.Equal(t, tx, s.CurrentTransaction())
}

func TestSetAutoCommitFalseThenTrueCommits(t *testing.T) {
	e := newTestEngine(t)
	s := New(e, "alice", nil)

	require.NoError(t, s.SetAutoCommit(false))
	tx := s.CurrentTransaction()
	require.NotNil(t, tx)

	require.NoError(t, s.SetAutoCommit(true))
	assert.Equal(t, txn.StateCommitted, tx.State())
}

func TestCommitDMLClearsCurrentTransaction(t *testing.T) {
	e := newTestEngine(t)
	s := New(e, "alice", nil)
	tx := s.CurrentTransaction()
	require.NotNil(t, tx)

	require.NoError(t, s.Commit(false, nil))
	next := s.CurrentTransaction()
	assert.NotEqual(t, tx.ID, next.ID)
}

func TestRollbackClearsSavepoints(t *testing.T) {
	e := newTestEngine(t)
	s := New(e, "alice", nil)
	require.NoError(t, s.Savepoint("sp1"))
	require.NoError(t, s.Rollback())

	assert.Empty(t, s.savepoints)
}

func TestRollbackToUnknownSavepointFails(t *testing.T) {
	e := newTestEngine(t)
	s := New(e, "alice", nil)
	s.CurrentTransaction()
	err := s.RollbackToSavepoint("nope")
	assert.Error(t, err)
}

func TestCancelRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	s := New(e, "alice", nil)
	assert.False(t, s.CancelRequested())
	s.Cancel()
	assert.True(t, s.CancelRequested())
	s.ClearCancel()
	assert.False(t, s.CancelRequested())
}

func TestLockTable(t *testing.T) {
	e := newTestEngine(t)
	s := New(e, "alice", nil)
	assert.False(t, s.HoldsTableLock("t1"))
	s.LockTable("t1")
	assert.True(t, s.HoldsTableLock("t1"))
}
